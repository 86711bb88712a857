// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package config

import (
	"errors"
	"io/fs"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/samber/oops"
)

// Secrets are read from the environment only and never written to config
// files or dumps.
type Secrets struct {
	DatabaseURL string `env:"DATABASE_URL"`
	PushToken   string `env:"CITYPULSE_PUSH_TOKEN"`
}

// LoadSecrets loads envFiles (default ".env") into the process environment
// when they exist, then reads Secrets from it. Variables already set win.
func LoadSecrets(envFiles ...string) (Secrets, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Secrets{}, oops.Code(CodeInvalidConfig).With("file", f).Wrapf(err, "load env file")
		}
	}

	var s Secrets
	if _, err := env.UnmarshalFromEnviron(&s); err != nil {
		return Secrets{}, oops.Code(CodeInvalidConfig).Wrapf(err, "read environment")
	}
	return s, nil
}
