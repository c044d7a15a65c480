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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// gpgSigner shells out to the local gpg agent for detached signatures. The
// label carries only the key id, so verification also goes through gpg and
// requires the signer's public key to be present in the local keyring; a
// missing binary reports ErrUnsupported, while a key absent from the
// keyring makes gpg fail and reports ErrBadSignature.
type gpgSigner struct {
	keyID string
}

func newGPGSigner(keyID string) *gpgSigner {
	return &gpgSigner{keyID: keyID}
}

func (s *gpgSigner) Identity() string { return PrefixGPG + ":" + s.keyID }

func (s *gpgSigner) Sign(data []byte) ([]byte, error) {
	gpg, err := exec.LookPath("gpg")
	if err != nil {
		return nil, fmt.Errorf("%w: gpg not found", ErrUnavailable)
	}
	cmd := exec.Command(gpg, "--batch", "--yes",
		"--local-user", s.keyID, "--detach-sign", "--output", "-")
	cmd.Stdin = bytes.NewReader(data)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: gpg sign: %v: %s", ErrUnavailable, err, stderr.String())
	}
	return out.Bytes(), nil
}

func verifyGPG(keyID string, data, sig []byte) error {
	gpg, err := exec.LookPath("gpg")
	if err != nil {
		return fmt.Errorf("%w: gpg not found", ErrUnsupported)
	}
	dir, err := os.MkdirTemp("", "buddies-gpg-verify")
	if err != nil {
		return fmt.Errorf("gpg verify: %w", err)
	}
	defer os.RemoveAll(dir)

	sigPath := filepath.Join(dir, "frame.sig")
	dataPath := filepath.Join(dir, "frame.dat")
	if err := os.WriteFile(sigPath, sig, 0o600); err != nil {
		return fmt.Errorf("gpg verify: %w", err)
	}
	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("gpg verify: %w", err)
	}

	var status, stderr bytes.Buffer
	cmd := exec.Command(gpg, "--batch", "--status-fd", "1", "--verify", sigPath, dataPath)
	cmd.Stdout = &status
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: gpg %s: %s", ErrBadSignature, keyID, stderr.String())
	}

	// a clean exit is not enough: gpg accepts a valid signature from ANY
	// key in the local keyring, so the signing key reported on the
	// VALIDSIG status line must match the key the label names
	fprs := validSigFingerprints(status.String())
	if len(fprs) == 0 {
		return fmt.Errorf("%w: gpg reported no valid signature", ErrBadSignature)
	}
	if !keyIDMatches(keyID, fprs) {
		return fmt.Errorf("%w: signature from %s, label names gpg:%s",
			ErrBadSignature, fprs[0], keyID)
	}
	return nil
}

// validSigFingerprints extracts the signing key fingerprints from gpg
// --status-fd output. A VALIDSIG line carries the signature key fingerprint
// as its first argument and the primary key fingerprint as its last.
func validSigFingerprints(status string) []string {
	var out []string
	for _, line := range strings.Split(status, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "[GNUPG:]" && fields[1] == "VALIDSIG" {
			out = append(out, fields[2], fields[len(fields)-1])
		}
	}
	return out
}

// keyIDMatches reports whether the label's key id names one of the
// fingerprints. The id may be a full fingerprint, a long (16 hex) or short
// (8 hex) key id, optionally 0x-prefixed; each form is a suffix of the full
// fingerprint.
func keyIDMatches(keyID string, fprs []string) bool {
	want := strings.ToUpper(strings.TrimSpace(keyID))
	want = strings.TrimPrefix(want, "0X")
	if len(want) < 8 {
		return false
	}
	for _, fpr := range fprs {
		if strings.HasSuffix(strings.ToUpper(fpr), want) {
			return true
		}
	}
	return false
}
