// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package release_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vokality/ragdoll/internal/release"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    release.Ref
		wantErr bool
	}{
		{in: "vokality/ragdoll-clock", want: release.Ref{Owner: "vokality", Repo: "ragdoll-clock"}},
		{in: "vokality/ragdoll-clock@v1.2.0", want: release.Ref{Owner: "vokality", Repo: "ragdoll-clock", Tag: "v1.2.0"}},
		{
			in:   "vokality/ragdoll-clock@v1.2.0#clock.tar.gz",
			want: release.Ref{Owner: "vokality", Repo: "ragdoll-clock", Tag: "v1.2.0", Asset: "clock.tar.gz"},
		},
		{in: "https://github.com/vokality/ragdoll-clock", want: release.Ref{Owner: "vokality", Repo: "ragdoll-clock"}},
		{in: "", wantErr: true},
		{in: "just-a-name", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}

	for _, tt := range tests {
		got, err := release.ParseRef(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseRef(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseRef(%q)", tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, got, mustParse(t, got.String()), "String() must round-trip")
	}
}

func mustParse(t *testing.T, s string) release.Ref {
	t.Helper()
	ref, err := release.ParseRef(s)
	require.NoError(t, err)
	return ref
}

func TestClient_Latest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/vokality/ragdoll-clock/releases/latest", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"tag_name":"v2.0.0","assets":[{"name":"ragdoll-clock.tar.gz","browser_download_url":"https://example.com/a"}]}`))
	}))
	defer srv.Close()

	c := release.NewClient(release.WithAPIBase(srv.URL))
	rel, err := c.Latest(context.Background(), "vokality", "ragdoll-clock")
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", rel.TagName)
	require.Len(t, rel.Assets, 1)
}

func TestClient_ByTag_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := release.NewClient(release.WithAPIBase(srv.URL))
	_, err := c.ByTag(context.Background(), "vokality", "ragdoll-clock", "v9.9.9")
	assert.True(t, errors.Is(err, release.ErrNotFound), "404 must map to ErrNotFound, got %v", err)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := release.NewClient(release.WithAPIBase(srv.URL))
	_, err := c.Latest(context.Background(), "vokality", "ragdoll-clock")
	require.Error(t, err)
	assert.False(t, errors.Is(err, release.ErrNotFound))
}

func TestPickAsset(t *testing.T) {
	rel := &release.Release{
		TagName: "v1.0.0",
		Assets: []release.Asset{
			{Name: "source.zip"},
			{Name: "other-thing.tar.gz"},
			{Name: "ragdoll-clock-1.0.0.tar.gz"},
		},
	}

	asset, err := release.PickAsset(rel, "ragdoll")
	require.NoError(t, err)
	assert.Equal(t, "ragdoll-clock-1.0.0.tar.gz", asset.Name, "product-named archive preferred")

	asset, err = release.PickAsset(rel, "nomatch")
	require.NoError(t, err)
	assert.Equal(t, "other-thing.tar.gz", asset.Name, "first archive asset is the fallback")

	_, err = release.PickAsset(&release.Release{Assets: []release.Asset{{Name: "a.zip"}}}, "ragdoll")
	assert.Error(t, err, "no archive asset at all")
}

func TestClient_Resolve_DirectAsset(t *testing.T) {
	c := release.NewClient(release.WithDownloadBase("https://dl.example.com"))
	ref := release.Ref{Owner: "vokality", Repo: "ragdoll-clock", Tag: "v1.0.0", Asset: "clock.tar.gz"}

	resolved, err := c.Resolve(context.Background(), ref, "ragdoll")
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example.com/vokality/ragdoll-clock/releases/download/v1.0.0/clock.tar.gz", resolved.URL)
	assert.Equal(t, "v1.0.0", resolved.Tag)
}

func TestClient_Download_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/hop", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})

	c := release.NewClient()
	data, err := c.Download(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestClient_Download_TerminalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := release.NewClient()
	_, err := c.Download(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestClient_Download_RetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	c := release.NewClient()
	data, err := c.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "eventually", string(data))
	assert.Equal(t, 3, attempts)
}
