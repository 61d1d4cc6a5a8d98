// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package extension defines the extension contract consumed by the loader
// and installer: manifests, contributed tools, UI slots, state channels,
// and the capability registry that owns the live set of loaded extensions.
package extension

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

// MetaFileName is the package metadata document every extension package
// carries at its root.
const MetaFileName = "package.json"

// MarkerField is the metadata field that flags a package as an extension.
// A boolean true means "extension with defaults"; an object carries
// manifest override fields.
const MarkerField = "ragdollExtension"

// maxIDLength is the maximum allowed length for extension ids.
const maxIDLength = 64

// idPattern validates extension ids: lowercase start, then lowercase,
// digits, or hyphens, not ending with a hyphen.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Manifest is an extension's declared identity and requirements.
type Manifest struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	Version              string                 `json:"version"`
	Description          string                 `json:"description,omitempty"`
	Entry                string                 `json:"entry,omitempty"`
	CanDisable           bool                   `json:"canDisable,omitempty"`
	Capabilities         []string               `json:"capabilities,omitempty"`
	RequiredCapabilities []string               `json:"requiredCapabilities,omitempty"`
	ConfigSchema         map[string]ConfigField `json:"configSchema,omitempty"`
	OAuth                *OAuthConfig           `json:"oauth,omitempty"`
}

// ConfigField describes one extension configuration field.
type ConfigField struct {
	Type        string         `json:"type"`
	Required    bool           `json:"required,omitempty"`
	Default     any            `json:"default,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// OAuthConfig describes an OAuth flow the host must broker on the
// extension's behalf.
type OAuthConfig struct {
	Provider string   `json:"provider"`
	AuthURL  string   `json:"authUrl,omitempty"`
	TokenURL string   `json:"tokenUrl,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Validate checks manifest constraints. The id must be stable across
// reinstalls of the same logical package, so it carries the same naming
// rules as package names.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	return nil
}

// DefaultConfig returns the declared config-schema defaults.
func (m *Manifest) DefaultConfig() map[string]any {
	if len(m.ConfigSchema) == 0 {
		return nil
	}
	defaults := make(map[string]any)
	for name, field := range m.ConfigSchema {
		if field.Default != nil {
			defaults[name] = field.Default
		}
	}
	return defaults
}

// PackageMeta is the subset of an extension package's metadata document
// the runtime reads.
type PackageMeta struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Main        string          `json:"main"`
	Module      string          `json:"module"`
	Exports     json.RawMessage `json:"exports"`
	Extension   json.RawMessage `json:"ragdollExtension"`
}

// ParsePackageMeta decodes a package metadata document.
func ParsePackageMeta(data []byte) (*PackageMeta, error) {
	var meta PackageMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid package metadata: %w", err)
	}
	return &meta, nil
}

// IsExtension reports whether the package declares the extension marker,
// either as boolean true or as a manifest override object.
func (p *PackageMeta) IsExtension() bool {
	if len(p.Extension) == 0 {
		return false
	}
	if bytes.Equal(bytes.TrimSpace(p.Extension), []byte("true")) {
		return true
	}
	var override Manifest
	return json.Unmarshal(p.Extension, &override) == nil
}

// ExtensionManifest interprets the marker field. Boolean true yields a
// manifest defaulted from the package's own name/version/description; an
// object overrides those defaults field by field.
func (p *PackageMeta) ExtensionManifest() (*Manifest, error) {
	if len(p.Extension) == 0 {
		return nil, fmt.Errorf("package %q does not declare the %s marker", p.Name, MarkerField)
	}

	m := Manifest{
		ID:          p.Name,
		Name:        p.Name,
		Version:     p.Version,
		Description: p.Description,
	}

	if !bytes.Equal(bytes.TrimSpace(p.Extension), []byte("true")) {
		var override Manifest
		if err := json.Unmarshal(p.Extension, &override); err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", MarkerField, err)
		}
		if override.ID != "" {
			m.ID = override.ID
		}
		if override.Name != "" {
			m.Name = override.Name
		}
		if override.Version != "" {
			m.Version = override.Version
		}
		if override.Description != "" {
			m.Description = override.Description
		}
		m.Entry = override.Entry
		m.CanDisable = override.CanDisable
		m.Capabilities = override.Capabilities
		m.RequiredCapabilities = override.RequiredCapabilities
		m.ConfigSchema = override.ConfigSchema
		m.OAuth = override.OAuth
	}

	if m.ID == "" {
		return nil, fmt.Errorf("invalid extension: manifest id not found")
	}
	return &m, nil
}

// DefaultEntry is the entry point used when the metadata names none.
const DefaultEntry = "init.lua"

// EntryPoint resolves the package entry point: a manifest-level entry
// override wins, then the multi-target exports map, then the module-style
// entry, then the legacy main entry, then DefaultEntry.
func (p *PackageMeta) EntryPoint() string {
	if manifest, err := p.ExtensionManifest(); err == nil && manifest.Entry != "" {
		return manifest.Entry
	}
	if entry := resolveExports(p.Exports); entry != "" {
		return entry
	}
	if p.Module != "" {
		return p.Module
	}
	if p.Main != "" {
		return p.Main
	}
	return DefaultEntry
}

// resolveExports handles the two exports shapes: a bare string, or a map
// whose "." key is either a string or a conditions object.
func resolveExports(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}

	var targets map[string]json.RawMessage
	if err := json.Unmarshal(raw, &targets); err != nil {
		return ""
	}
	root, ok := targets["."]
	if !ok {
		return ""
	}

	if err := json.Unmarshal(root, &direct); err == nil {
		return direct
	}

	var conditions map[string]string
	if err := json.Unmarshal(root, &conditions); err != nil {
		return ""
	}
	for _, key := range []string{"import", "default", "require"} {
		if v := conditions[key]; v != "" {
			return v
		}
	}
	return ""
}
