// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package release resolves extension source references against a remote
// release registry and downloads release assets.
package release

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Ref identifies an extension source: a repository, optionally pinned to a
// tag, optionally pointing at a specific asset file.
//
// The textual form is "owner/repo[@tag[#asset]]":
//
//	vokality/ragdoll-clock
//	vokality/ragdoll-clock@v1.2.0
//	vokality/ragdoll-clock@v1.2.0#clock.tar.gz
type Ref struct {
	Owner string
	Repo  string
	Tag   string
	Asset string
}

// ParseRef parses the textual reference form. Full https:// repository URLs
// are accepted and reduced to their owner/repo path.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://github.com/")
	s = strings.TrimSuffix(s, ".git")
	if s == "" {
		return Ref{}, oops.In("release").New("empty source reference")
	}

	var ref Ref
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		ref.Tag = s[idx+1:]
		s = s[:idx]
		if hash := strings.IndexByte(ref.Tag, '#'); hash >= 0 {
			ref.Asset = ref.Tag[hash+1:]
			ref.Tag = ref.Tag[:hash]
		}
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, oops.In("release").With("reference", s).
			New("source reference must be owner/repo")
	}
	ref.Owner, ref.Repo = parts[0], parts[1]

	if ref.Asset != "" && ref.Tag == "" {
		return Ref{}, oops.In("release").With("reference", s).
			New("asset reference requires an explicit tag")
	}
	return ref, nil
}

// String renders the canonical textual form.
func (r Ref) String() string {
	s := r.Owner + "/" + r.Repo
	if r.Tag != "" {
		s += "@" + r.Tag
		if r.Asset != "" {
			s += "#" + r.Asset
		}
	}
	return s
}

// Repository returns the owner/repo pair without tag or asset.
func (r Ref) Repository() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}
