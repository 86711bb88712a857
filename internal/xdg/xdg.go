// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package xdg resolves XDG Base Directory paths for citypulse.
package xdg

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

const appName = "citypulse"

// ConfigDir returns $XDG_CONFIG_HOME/citypulse, falling back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// ConfigFile returns the path of the user config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnvFile returns the path of the user .env file.
func EnvFile() string {
	return filepath.Join(ConfigDir(), ".env")
}

// ExistingConfigFile returns ConfigFile when it exists and "" otherwise.
func ExistingConfigFile() (string, error) {
	path := ConfigFile()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}
