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

package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// generatedKeyFile is the persistent node key created in the data directory
// when no external signing identity is configured.
const generatedKeyFile = "identity_ed25519"

// sshSigner signs with a local SSH private key using the SSHSIG scheme. Its
// label embeds the full public key, so verification needs no keyring.
type sshSigner struct {
	key   ssh.Signer
	label string
}

func newSSHSigner(key ssh.Signer) *sshSigner {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key.PublicKey())))
	return &sshSigner{key: key, label: PrefixSSH + ":" + line}
}

// newSSHSignerFromFile loads an OpenSSH or PEM private key from disk.
func newSSHSignerFromFile(path string) (Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssh signer: read key %s: %w", path, err)
	}
	key, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("ssh signer: parse key %s: %w", path, err)
	}
	return newSSHSigner(key), nil
}

// newGeneratedSigner loads the node's persistent ed25519 identity from the
// data directory, creating it on first use.
func newGeneratedSigner(dataDir string) (Signer, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("generated signer: no data directory")
	}
	path := filepath.Join(dataDir, generatedKeyFile)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, perr := ssh.ParsePrivateKey(raw)
		if perr != nil {
			return nil, fmt.Errorf("generated signer: parse %s: %w", path, perr)
		}
		return newSSHSigner(key), nil
	case errors.Is(err, os.ErrNotExist):
		// fall through to generation
	default:
		return nil, fmt.Errorf("generated signer: read %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generated signer: generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "buddies generated identity")
	if err != nil {
		return nil, fmt.Errorf("generated signer: marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("generated signer: create data dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("generated signer: write %s: %w", path, err)
	}
	key, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("generated signer: %w", err)
	}
	return newSSHSigner(key), nil
}

func (s *sshSigner) Identity() string { return s.label }

func (s *sshSigner) Sign(data []byte) ([]byte, error) {
	return sshsigSign(s.key, data)
}

// verifySSH verifies an SSHSIG signature against the public key embedded in
// the label material (an authorized_keys-format line).
func verifySSH(material string, data, sig []byte) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material))
	if err != nil {
		return fmt.Errorf("%w: ssh key: %v", ErrUnsupported, err)
	}
	return sshsigVerify(pub, data, sig)
}
