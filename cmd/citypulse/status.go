// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/citypulse/citypulse/internal/config"
)

// ProcessStatus holds the status information for one endpoint.
type ProcessStatus struct {
	Component   string `json:"component"`
	Running     bool   `json:"running"`
	Health      string `json:"health,omitempty"`
	Connections int    `json:"connections,omitempty"`
	Error       string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	httpAddr    string
	metricsAddr string
	jsonOutput  bool
	client      *http.Client
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	defaults := config.Default()
	cfg := &statusConfig{client: &http.Client{Timeout: 2 * time.Second}}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running CityPulse server",
		Long:  `Query the gateway health endpoint and the metrics server readiness probe.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.httpAddr, "http-addr", defaults.Server.HTTPAddr, "gateway address")
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", defaults.Server.MetricsAddr, "metrics server address (empty = skip)")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	statuses := map[string]ProcessStatus{
		"gateway": queryGateway(cfg.client, cfg.httpAddr),
	}
	components := []string{"gateway"}
	if cfg.metricsAddr != "" {
		statuses["metrics"] = queryReadiness(cfg.client, cfg.metricsAddr)
		components = append(components, "metrics")
	}

	if cfg.jsonOutput {
		output, err := formatStatusJSON(statuses)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(output)
		return nil
	}
	cmd.Print(formatStatusTable(statuses, components))
	return nil
}

// dialable turns a listen address such as ":5001" into one a client can dial.
func dialable(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func queryGateway(client *http.Client, addr string) ProcessStatus {
	status := ProcessStatus{Component: "gateway"}

	resp, err := client.Get("http://" + dialable(addr) + "/health")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		status.Error = fmt.Sprintf("failed to decode health response: %v", err)
		return status
	}

	status.Running = true
	status.Health = health.Status
	status.Connections = health.Connections
	return status
}

func queryReadiness(client *http.Client, addr string) ProcessStatus {
	status := ProcessStatus{Component: "metrics"}

	resp, err := client.Get("http://" + dialable(addr) + "/healthz/readiness")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	status.Running = true
	if resp.StatusCode == http.StatusOK {
		status.Health = "ready"
	} else {
		status.Health = "not ready"
	}
	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(statuses map[string]ProcessStatus, components []string) string {
	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"Component", "Status", "Health", "Connections"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, component := range components {
		status := statuses[component]
		if !status.Running {
			reason := "not running"
			if status.Error != "" {
				reason = status.Error
			}
			table.Append([]string{component, "stopped", "-", reason})
			continue
		}
		conns := "-"
		if component == "gateway" {
			conns = fmt.Sprint(status.Connections)
		}
		table.Append([]string{component, "running", status.Health, conns})
	}

	table.Render()
	return b.String()
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(statuses map[string]ProcessStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}
