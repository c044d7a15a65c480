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
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// The OpenSSH detached signature scheme (PROTOCOL.sshsig). All buddies
// signatures live in one namespace so they cannot be replayed into other
// SSHSIG-consuming contexts.
const (
	sshsigMagic     = "SSHSIG"
	sshsigVersion   = 1
	sshsigNamespace = "buddies.v1"
	sshsigHashAlg   = "sha512"
)

// sshsigBlob is the outer signature container, following the magic preamble.
type sshsigBlob struct {
	Version   uint32
	PublicKey string
	Namespace string
	Reserved  string
	HashAlg   string
	Signature string
}

// sshsigSignedData is what the inner signature actually covers.
type sshsigSignedData struct {
	Namespace string
	Reserved  string
	HashAlg   string
	Hash      string
}

func sshsigHash(alg string, msg []byte) ([]byte, error) {
	switch alg {
	case "sha512":
		h := sha512.Sum512(msg)
		return h[:], nil
	case "sha256":
		h := sha256.Sum256(msg)
		return h[:], nil
	default:
		return nil, fmt.Errorf("sshsig: unsupported hash algorithm %q", alg)
	}
}

func sshsigSignedInput(namespace, alg string, hash []byte) []byte {
	payload := ssh.Marshal(sshsigSignedData{
		Namespace: namespace,
		HashAlg:   alg,
		Hash:      string(hash),
	})
	return append([]byte(sshsigMagic), payload...)
}

// sshsigSign produces a detached SSHSIG blob over msg.
func sshsigSign(key ssh.Signer, msg []byte) ([]byte, error) {
	hash, err := sshsigHash(sshsigHashAlg, msg)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(rand.Reader, sshsigSignedInput(sshsigNamespace, sshsigHashAlg, hash))
	if err != nil {
		return nil, fmt.Errorf("sshsig: sign: %w", err)
	}
	blob := ssh.Marshal(sshsigBlob{
		Version:   sshsigVersion,
		PublicKey: string(key.PublicKey().Marshal()),
		Namespace: sshsigNamespace,
		HashAlg:   sshsigHashAlg,
		Signature: string(ssh.Marshal(sig)),
	})
	return append([]byte(sshsigMagic), blob...), nil
}

// sshsigVerify checks a detached SSHSIG blob against the given public key.
// The label's key is the authority: a blob embedding a different key fails
// even if its self-signature is internally consistent.
func sshsigVerify(pub ssh.PublicKey, msg, sigBytes []byte) error {
	if !bytes.HasPrefix(sigBytes, []byte(sshsigMagic)) {
		return fmt.Errorf("%w: missing sshsig preamble", ErrBadSignature)
	}
	var blob sshsigBlob
	if err := ssh.Unmarshal(sigBytes[len(sshsigMagic):], &blob); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if blob.Version != sshsigVersion {
		return fmt.Errorf("%w: sshsig version %d", ErrBadSignature, blob.Version)
	}
	if blob.Namespace != sshsigNamespace {
		return fmt.Errorf("%w: namespace %q", ErrBadSignature, blob.Namespace)
	}
	if !bytes.Equal([]byte(blob.PublicKey), pub.Marshal()) {
		return fmt.Errorf("%w: embedded key does not match identity", ErrBadSignature)
	}
	hash, err := sshsigHash(blob.HashAlg, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal([]byte(blob.Signature), &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := pub.Verify(sshsigSignedInput(blob.Namespace, blob.HashAlg, hash), &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
