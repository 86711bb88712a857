// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/citypulse/citypulse/internal/core"
)

// Version is the protocol version spoken by this build.
const Version = "1.0.0"

// SupportedVersions is the constraint a client's protocolVersion must meet.
const SupportedVersions = "^1"

// TypeHello is the type tag of the handshake frame.
const TypeHello = "hello"

// Hello is the first frame a client sends.
type Hello struct {
	Type            string `json:"type" jsonschema:"enum=hello"`
	DisplayName     string `json:"displayName" jsonschema:"minLength=1"`
	InitialRoomID   string `json:"initialRoomId,omitempty" jsonschema:"minLength=1,maxLength=64,pattern=^[A-Za-z0-9_.:-]+$"`
	ProtocolVersion string `json:"protocolVersion,omitempty" jsonschema:"minLength=1"`
}

// NewHello builds a handshake frame for the current protocol version.
func NewHello(displayName, initialRoomID string) Hello {
	return Hello{
		Type:            TypeHello,
		DisplayName:     displayName,
		InitialRoomID:   initialRoomID,
		ProtocolVersion: Version,
	}
}

var (
	compiledOnce   sync.Once
	compiledSchema *jschema.Schema
	compileErr     error

	supported *semver.Constraints
)

func init() {
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		panic(fmt.Sprintf("invalid protocol constraint %q: %v", SupportedVersions, err))
	}
	supported = c
}

// HandshakeSchema returns the JSON Schema of the hello frame.
func HandshakeSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Hello{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "CityPulse Handshake"
	schema.Description = "First frame sent by a client after the WebSocket upgrade"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

//go:generate go run ../../cmd/citypulse schema --out ../../schemas/hello.schema.json

// SchemaID is the $id of the handshake schema.
const SchemaID = "https://citypulse.dev/schemas/hello.schema.json"

func handshakeValidator() (*jschema.Schema, error) {
	compiledOnce.Do(func() {
		data, err := HandshakeSchema()
		if err != nil {
			compileErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("failed to parse schema JSON: %w", err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("hello.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("hello.schema.json")
	})
	return compiledSchema, compileErr
}

// ParseHello validates a handshake frame and converts it to a core handshake.
func ParseHello(data []byte) (core.Handshake, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return core.Handshake{}, core.ErrInvalidHandshake("empty handshake")
	}
	sch, err := handshakeValidator()
	if err != nil {
		return core.Handshake{}, fmt.Errorf("failed to compile handshake schema: %w", err)
	}

	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return core.Handshake{}, core.ErrInvalidHandshake("handshake is not valid JSON")
	}
	if err := sch.Validate(inst); err != nil {
		return core.Handshake{}, core.ErrInvalidHandshake(schemaReason(err))
	}

	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return core.Handshake{}, core.ErrInvalidHandshake("handshake is not valid JSON")
	}
	if err := CheckVersion(hello.ProtocolVersion); err != nil {
		return core.Handshake{}, err
	}
	return core.Handshake{
		DisplayName:   hello.DisplayName,
		InitialRoomID: hello.InitialRoomID,
	}, nil
}

// CheckVersion rejects protocol versions outside SupportedVersions. An empty
// version is accepted as the current one.
func CheckVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return core.ErrInvalidHandshake("protocol version is not a semantic version")
	}
	if !supported.Check(v) {
		return core.ErrInvalidHandshake(fmt.Sprintf("protocol version %s is not supported (want %s)", version, SupportedVersions))
	}
	return nil
}

// schemaReason reduces a validation error to its most specific line.
func schemaReason(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[len(lines)-1]), "-"))
	if reason == "" {
		return "handshake does not match schema"
	}
	return reason
}
