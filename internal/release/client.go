// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"
)

const (
	defaultAPIBase      = "https://api.github.com"
	defaultDownloadBase = "https://github.com"

	// userAgent identifies this client to the release API.
	userAgent = "ragdoll-extension-installer"

	// archiveExt is the extension of packed extension archives.
	archiveExt = ".tar.gz"
)

// ErrNotFound reports that a requested release or tag does not exist. It is
// distinct from transport errors: a 404 from the release API is an answer,
// not a failure.
var ErrNotFound = errors.New("release not found")

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// Release is the subset of the remote release document this client needs.
type Release struct {
	TagName string  `json:"tag_name"`
	Name    string  `json:"name"`
	Assets  []Asset `json:"assets"`
}

// ResolvedAsset is the outcome of mapping a Ref to a concrete download.
type ResolvedAsset struct {
	Tag  string
	Name string
	URL  string
}

// Client talks to the remote release API.
type Client struct {
	apiBase      string
	downloadBase string
	token        string
	http         *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithAPIBase overrides the release API base URL.
func WithAPIBase(base string) ClientOption {
	return func(c *Client) {
		c.apiBase = strings.TrimSuffix(base, "/")
	}
}

// WithDownloadBase overrides the base URL for direct asset downloads.
func WithDownloadBase(base string) ClientOption {
	return func(c *Client) {
		c.downloadBase = strings.TrimSuffix(base, "/")
	}
}

// WithToken sets an API token for higher rate limits.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a release API client. The default HTTP client carries a
// timeout so network failures surface as errors rather than hang callers,
// and does not follow redirects itself: Download implements the redirect
// walk explicitly.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiBase:      defaultAPIBase,
		downloadBase: defaultDownloadBase,
		http: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Latest fetches the latest release of a repository.
func (c *Client) Latest(ctx context.Context, owner, repo string) (*Release, error) {
	var rel Release
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBase, owner, repo)
	if err := c.getJSON(ctx, url, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// ByTag fetches a release by its exact tag.
func (c *Client) ByTag(ctx context.Context, owner, repo, tag string) (*Release, error) {
	var rel Release
	url := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", c.apiBase, owner, repo, tag)
	if err := c.getJSON(ctx, url, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// List fetches up to perPage recent releases.
func (c *Client) List(ctx context.Context, owner, repo string, perPage int) ([]Release, error) {
	var rels []Release
	url := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d", c.apiBase, owner, repo, perPage)
	if err := c.getJSON(ctx, url, &rels); err != nil {
		return nil, err
	}
	return rels, nil
}

// Resolve maps a Ref to a concrete downloadable asset. Direct asset refs
// skip release lookup entirely; tagged refs resolve that release; bare refs
// resolve the latest release.
func (c *Client) Resolve(ctx context.Context, ref Ref, product string) (*ResolvedAsset, error) {
	if ref.Asset != "" {
		return &ResolvedAsset{
			Tag:  ref.Tag,
			Name: ref.Asset,
			URL: fmt.Sprintf("%s/%s/%s/releases/download/%s/%s",
				c.downloadBase, ref.Owner, ref.Repo, ref.Tag, ref.Asset),
		}, nil
	}

	var (
		rel *Release
		err error
	)
	if ref.Tag != "" {
		rel, err = c.ByTag(ctx, ref.Owner, ref.Repo, ref.Tag)
	} else {
		rel, err = c.Latest(ctx, ref.Owner, ref.Repo)
	}
	if err != nil {
		return nil, err
	}

	asset, err := PickAsset(rel, product)
	if err != nil {
		return nil, err
	}
	return &ResolvedAsset{Tag: rel.TagName, Name: asset.Name, URL: asset.DownloadURL}, nil
}

// PickAsset selects the archive to download from a release. Assets whose
// filename carries both the archive extension and the product's identifying
// substring win; any archive-extension asset is the fallback.
func PickAsset(rel *Release, product string) (*Asset, error) {
	var fallback *Asset
	for i := range rel.Assets {
		asset := &rel.Assets[i]
		if !strings.HasSuffix(asset.Name, archiveExt) {
			continue
		}
		if product != "" && strings.Contains(asset.Name, product) {
			return asset, nil
		}
		if fallback == nil {
			fallback = asset
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, oops.In("release").With("tag", rel.TagName).
		Code("NO_ARCHIVE_ASSET").New("no extension archive found")
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return oops.In("release").With("url", url).Wrap(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oops.In("release").Code("TRANSPORT").With("url", url).Wrap(err)
	}
	defer resp.Body.Close() //nolint:errcheck // response already consumed

	if resp.StatusCode == http.StatusNotFound {
		return oops.In("release").Code("RELEASE_NOT_FOUND").With("url", url).Wrap(ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return oops.In("release").Code("TRANSPORT").
			With("url", url).With("status", resp.StatusCode).
			Errorf("release API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return oops.In("release").Code("TRANSPORT").With("url", url).Wrap(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return oops.In("release").With("url", url).Hint("malformed release document").Wrap(err)
	}
	return nil
}
