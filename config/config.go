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

// Package config loads the node configuration from an optional YAML file,
// a .env file, and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/buddies-project/buddies/crypto/signer"
)

// Config is the resolved node configuration.
type Config struct {
	// DataDir holds the store file and the generated identity key.
	DataDir string `yaml:"data_dir"`
	// User is the display name carried on outbound frames.
	User string `yaml:"user"`
	// Agent tags which agent runtime this sidecar serves.
	Agent string `yaml:"agent"`
	// Transport selects the tool-surface frontend: "stdio" or "http".
	Transport string `yaml:"transport"`
	// Listen is the HTTP frontend bind address.
	Listen string `yaml:"listen"`
	// Relay is the websocket gossip relay to ride on, if any.
	Relay string `yaml:"relay"`
	// RelayListen, when set, additionally hosts a relay hub here.
	RelayListen string `yaml:"relay_listen"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`

	Signer SignerConfig `yaml:"signer"`
}

// SignerConfig selects the signing identity.
type SignerConfig struct {
	Mode          string `yaml:"mode"`
	GPGKeyID      string `yaml:"gpg_key_id"`
	SSHPrivateKey string `yaml:"ssh_private_key"`
	SSHPublicKey  string `yaml:"ssh_public_key"`
	SigningKey    string `yaml:"signing_key"`
}

// SignerOptions converts the configuration into signer discovery options.
func (c *Config) SignerOptions() signer.Options {
	return signer.Options{
		Mode:          signer.Mode(c.Signer.Mode),
		GPGKeyID:      c.Signer.GPGKeyID,
		SSHPrivateKey: c.Signer.SSHPrivateKey,
		SSHPublicKey:  c.Signer.SSHPublicKey,
		SigningKey:    c.Signer.SigningKey,
		DataDir:       c.DataDir,
	}
}

// Load resolves the configuration. path may be empty; a .env file in the
// working directory is picked up when present, and environment variables
// override everything.
func Load(path string) (*Config, error) {
	// best-effort: a missing .env is not an error
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := SubstituteEnvVars(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".buddies")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Transport: "stdio",
		Listen:    "127.0.0.1:8743",
		LogLevel:  "info",
		Agent:     "claude",
		Signer:    SignerConfig{Mode: string(signer.ModeGenerated)},
	}
}

func applyEnv(cfg *Config) {
	setFromEnv(&cfg.DataDir, "BUDDIES_DATA_DIR", "DATA_DIR")
	setFromEnv(&cfg.User, "BUDDIES_USER", "USER")
	setFromEnv(&cfg.Agent, "BUDDIES_AGENT", "AGENT")
	setFromEnv(&cfg.Transport, "BUDDIES_TRANSPORT", "TRANSPORT")
	setFromEnv(&cfg.Listen, "BUDDIES_LISTEN")
	setFromEnv(&cfg.Relay, "BUDDIES_RELAY")
	setFromEnv(&cfg.RelayListen, "BUDDIES_RELAY_LISTEN")
	setFromEnv(&cfg.LogLevel, "BUDDIES_LOG_LEVEL")
	setFromEnv(&cfg.Signer.Mode, "BUDDIES_SIGNER", "SIGNER")
	setFromEnv(&cfg.Signer.GPGKeyID, "BUDDIES_GPG_KEY_ID", "GPG_KEY_ID")
	setFromEnv(&cfg.Signer.SSHPrivateKey, "BUDDIES_SSH_PRIVATE_KEY", "SSH_PRIVATE_KEY")
	setFromEnv(&cfg.Signer.SSHPublicKey, "BUDDIES_SSH_PUBLIC_KEY", "SSH_PUBLIC_KEY")
	setFromEnv(&cfg.Signer.SigningKey, "BUDDIES_SIGNING_KEY", "SIGNING_KEY")
}

func setFromEnv(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}
