// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package extension

import "context"

// idOverride forwards every call to the wrapped extension while reporting
// a different id. Applied when a package-level manifest overrides the id
// the extension object declares for itself.
type idOverride struct {
	inner    Extension
	manifest Manifest
}

// WithID wraps an extension so its reported id is id, delegating all
// behavior to the wrapped extension. If id matches the extension's own id,
// the extension is returned unchanged.
func WithID(ext Extension, id string) Extension {
	inner := ext.Manifest()
	if inner == nil || inner.ID == id {
		return ext
	}
	manifest := *inner
	manifest.ID = id
	return &idOverride{inner: ext, manifest: manifest}
}

func (o *idOverride) Manifest() *Manifest { return &o.manifest }

func (o *idOverride) Activate(ctx context.Context, host *HostEnvironment, config map[string]any) error {
	return o.inner.Activate(ctx, host, config)
}

func (o *idOverride) Deactivate(ctx context.Context) error { return o.inner.Deactivate(ctx) }

func (o *idOverride) Tools() []Tool { return o.inner.Tools() }

func (o *idOverride) Slots() []Slot { return o.inner.Slots() }

func (o *idOverride) StateChannels() []StateChannel { return o.inner.StateChannels() }
