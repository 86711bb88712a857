// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/citypulse/citypulse/internal/protocol"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the handshake JSON Schema",
		Long:  `Print the JSON Schema that the first client frame must satisfy.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := protocol.HandshakeSchema()
			if err != nil {
				return err
			}
			if out == "" {
				cmd.Println(string(data))
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
				return oops.With("path", out).Wrapf(err, "create schema directory")
			}
			if err := os.WriteFile(out, append(data, '\n'), 0o600); err != nil {
				return oops.With("path", out).Wrapf(err, "write schema")
			}
			cmd.Printf("Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to a file instead of stdout")
	return cmd
}
