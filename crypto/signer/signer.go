// Copyright (C) 2025 buddies-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package signer produces and verifies detached signatures under a canonical
// identity label. The label is the sole application-level identifier a peer
// carries: "gpg:<key-id>", "ssh:<openssh-public-key>", or "none:<token>".
//
// Verification is cross-variant: any node can verify any other node's label
// without holding its own signing capability for that variant.
package signer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Label prefixes.
const (
	PrefixGPG  = "gpg"
	PrefixSSH  = "ssh"
	PrefixNone = "none"
)

var (
	// ErrUnavailable means the node has no signing capability.
	ErrUnavailable = errors.New("signer unavailable")
	// ErrBadSignature means verification ran and the signature is wrong.
	ErrBadSignature = errors.New("bad signature")
	// ErrUnsupported means the label cannot be verified here. Callers treat
	// it the same as a bad signature.
	ErrUnsupported = errors.New("unsupported identity label")
)

// Signer is the node's signing capability.
type Signer interface {
	// Identity returns the canonical identity label.
	Identity() string
	// Sign produces a detached signature over data, or ErrUnavailable.
	Sign(data []byte) ([]byte, error)
}

// Mode selects how the signing key is discovered at startup.
type Mode string

const (
	ModeGit       Mode = "git"
	ModeGPG       Mode = "gpg"
	ModeSSH       Mode = "ssh"
	ModeGenerated Mode = "generated"
	ModeNone      Mode = "none"
)

// Options configures signer discovery.
type Options struct {
	Mode          Mode
	GPGKeyID      string
	SSHPrivateKey string
	SSHPublicKey  string
	// SigningKey is the generic fallback: a key id for gpg, a private key
	// path for ssh.
	SigningKey string
	// DataDir holds the generated identity key file.
	DataDir string
}

// New discovers and materializes a signer for the configured mode.
func New(opts Options) (Signer, error) {
	switch opts.Mode {
	case ModeGit:
		return newGitSigner(opts)
	case ModeGPG:
		keyID := opts.GPGKeyID
		if keyID == "" {
			keyID = opts.SigningKey
		}
		if keyID == "" {
			return nil, fmt.Errorf("gpg signer: no key id configured")
		}
		return newGPGSigner(keyID), nil
	case ModeSSH:
		path := opts.SSHPrivateKey
		if path == "" {
			path = opts.SigningKey
		}
		if path == "" {
			return nil, fmt.Errorf("ssh signer: no private key configured")
		}
		return newSSHSignerFromFile(path)
	case ModeGenerated:
		return newGeneratedSigner(opts.DataDir)
	case ModeNone, "":
		return newNoneSigner()
	default:
		return nil, fmt.Errorf("unknown signer mode %q", opts.Mode)
	}
}

// Verify checks a detached signature produced by the holder of the given
// identity label. It returns nil on success, ErrBadSignature on a failed
// check, and ErrUnsupported for labels that cannot be verified.
func Verify(label string, data, sig []byte) error {
	prefix, material, ok := SplitLabel(label)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupported, label)
	}
	switch prefix {
	case PrefixSSH:
		return verifySSH(material, data, sig)
	case PrefixGPG:
		return verifyGPG(material, data, sig)
	case PrefixNone:
		return fmt.Errorf("%w: none identities cannot sign", ErrUnsupported)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, label)
	}
}

// SplitLabel splits an identity label into its prefix and key material.
func SplitLabel(label string) (prefix, material string, ok bool) {
	prefix, material, ok = strings.Cut(label, ":")
	if !ok || prefix == "" || material == "" {
		return "", "", false
	}
	return prefix, material, true
}

// noneSigner has no key. Its label carries a random token stable for the
// process lifetime so peers can still tell two unsigned nodes apart.
type noneSigner struct {
	label string
}

func newNoneSigner() (Signer, error) {
	token := make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generate none token: %w", err)
	}
	return &noneSigner{label: PrefixNone + ":" + hex.EncodeToString(token)}, nil
}

func (s *noneSigner) Identity() string { return s.label }

func (s *noneSigner) Sign([]byte) ([]byte, error) { return nil, ErrUnavailable }

// CanSign reports whether the signer can actually produce signatures.
func CanSign(s Signer) bool {
	_, ok := s.(*noneSigner)
	return !ok
}
