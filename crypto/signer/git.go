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
	"fmt"
	"os/exec"
	"strings"
)

// newGitSigner discovers the signing identity from the local git
// configuration: gpg.format selects the algorithm, user.signingkey names the
// key (a gpg key id, or an ssh key path when gpg.format=ssh).
func newGitSigner(opts Options) (Signer, error) {
	keyID, err := gitConfig("user.signingkey")
	if err != nil || keyID == "" {
		return nil, fmt.Errorf("git signer: user.signingkey not configured")
	}
	format, _ := gitConfig("gpg.format")
	switch format {
	case "ssh":
		// git accepts either a private key path or the matching .pub;
		// signing needs the private half.
		path := strings.TrimSuffix(keyID, ".pub")
		return newSSHSignerFromFile(path)
	default:
		return newGPGSigner(keyID), nil
	}
}

func gitConfig(key string) (string, error) {
	git, err := exec.LookPath("git")
	if err != nil {
		return "", fmt.Errorf("git not found: %w", err)
	}
	out, err := exec.Command(git, "config", "--get", key).Output()
	if err != nil {
		return "", fmt.Errorf("git config %s: %w", key, err)
	}
	return strings.TrimSpace(string(out)), nil
}
