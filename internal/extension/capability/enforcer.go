// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package capability provides runtime capability enforcement for extensions.
//
// Capability names are dot-separated. Grants are glob patterns with '.' as
// the segment separator: '*' matches a single segment, '**' crosses
// segments. "storage.*" matches "storage.read" but not
// "storage.read.secrets"; "**" matches anything.
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// grant pairs a pattern with its compiled glob.
type grant struct {
	pattern  string
	compiled glob.Glob
}

// Enforcer checks extension capabilities at runtime. Deny by default: an
// extension that was never granted anything can do nothing sensitive.
// Safe for concurrent use; the zero value is ready.
type Enforcer struct {
	grants map[string][]grant // extension id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// SetGrants configures the capability patterns for one extension id,
// replacing any previous grants. All patterns compile before any state
// changes; an invalid pattern leaves the enforcer untouched.
func (e *Enforcer) SetGrants(extensionID string, capabilities []string) error {
	if extensionID == "" {
		return errors.New("extension id cannot be empty")
	}

	compiled := make([]grant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = grant{pattern: pattern, compiled: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]grant)
	}
	e.grants[extensionID] = compiled
	return nil
}

// RemoveGrants drops all grants for an extension id. Safe for unknown ids.
func (e *Enforcer) RemoveGrants(extensionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, extensionID)
}

// IsRegistered reports whether the extension id has been granted anything,
// distinguishing "unknown extension" from "extension lacks capability".
func (e *Enforcer) IsRegistered(extensionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[extensionID]
	return ok
}

// Grants returns a copy of the patterns granted to an extension id, nil if
// the id is unknown.
func (e *Enforcer) Grants(extensionID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[extensionID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check reports whether the extension holds the requested capability.
// Unknown ids, empty ids, and empty capability names all deny.
func (e *Enforcer) Check(extensionID, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, g := range e.grants[extensionID] {
		if g.compiled.Match(capability) {
			return true
		}
	}
	return false
}
