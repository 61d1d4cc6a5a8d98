// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

package release

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// maxRedirects bounds the redirect walk during asset download.
const maxRedirects = 10

// Download fetches an asset, following 301/302 redirects by re-issuing the
// request against the Location header until a terminal response arrives.
// Transient transport failures and 5xx responses are retried with fibonacci
// backoff; a terminal non-200 response is an error.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := c.downloadOnce(ctx, url, 0)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) downloadOnce(ctx context.Context, url string, depth int) ([]byte, error) {
	if depth > maxRedirects {
		return nil, oops.In("release").Code("TRANSPORT").With("url", url).
			New("too many redirects")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, oops.In("release").With("url", url).Wrap(err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are worth another attempt.
		return nil, retry.RetryableError(oops.In("release").Code("TRANSPORT").With("url", url).Wrap(err))
	}
	defer resp.Body.Close() //nolint:errcheck // response already consumed

	switch {
	case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
		location := resp.Header.Get("Location")
		if location == "" {
			return nil, oops.In("release").Code("TRANSPORT").With("url", url).
				New("redirect response without Location header")
		}
		slog.Debug("following download redirect", "from", url, "to", location, "depth", depth)
		return c.downloadOnce(ctx, location, depth+1)

	case resp.StatusCode >= 500:
		return nil, retry.RetryableError(oops.In("release").Code("TRANSPORT").
			With("url", url).With("status", resp.StatusCode).
			Errorf("download failed with status %d", resp.StatusCode))

	case resp.StatusCode != http.StatusOK:
		return nil, oops.In("release").Code("TRANSPORT").
			With("url", url).With("status", resp.StatusCode).
			Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.RetryableError(oops.In("release").Code("TRANSPORT").With("url", url).Wrap(err))
	}
	return data, nil
}
