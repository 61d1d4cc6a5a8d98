// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package installer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	threePartVersion = regexp.MustCompile(`\d+\.\d+\.\d+`)
	twoPartVersion   = regexp.MustCompile(`\d+\.\d+`)
)

// versionPrefixes are common tag prefixes stripped when no numeric version
// substring is found.
var versionPrefixes = []string{"v", "release-", "version-"}

// ExtractVersion derives a version string from a release tag. A strict
// X.Y.Z substring wins; an X.Y substring is promoted to X.Y.0; otherwise
// common prefixes are stripped and the remainder used verbatim.
func ExtractVersion(tag string) string {
	if m := threePartVersion.FindString(tag); m != "" {
		return m
	}
	if m := twoPartVersion.FindString(tag); m != "" {
		return m + ".0"
	}
	for _, prefix := range versionPrefixes {
		if strings.HasPrefix(tag, prefix) {
			return strings.TrimPrefix(tag, prefix)
		}
	}
	return tag
}

// CompareVersions orders two version strings. When both parse as semantic
// versions they compare as such; otherwise segments split on '.' compare
// numerically left to right, non-numeric segments counting as 0 and
// missing trailing segments as 0. Returns <0, 0, >0.
//
// The two orderings disagree on prereleases: semver ranks "1.0.0-alpha"
// below "1.0.0", while the segment fallback reads "0-alpha" as 0 and
// calls them equal. Pairs where only one side parses as semver always
// take the segment fallback, so each comparison is antisymmetric, but a
// chain mixing semver-only and fallback-only strings is not guaranteed
// transitive.
func CompareVersions(a, b string) int {
	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)
	if aerr == nil && berr == nil {
		return av.Compare(bv)
	}
	return compareSegments(a, b)
}

func compareSegments(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return 0
}
