// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package archive decodes the gzip-compressed tape archives that extension
// releases are packed in. The decoder is deliberately minimal: packed
// extension archives use a single top-level wrapper directory, plain files
// and directories, and nothing else (no extended headers, no links, no
// sparse files), so a full archive library is not needed.
package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/samber/oops"
)

// blockSize is the fixed TAR header and content block size.
const blockSize = 512

// Entry is one decoded archive member. Path has the archive's top-level
// wrapper directory already stripped.
type Entry struct {
	Path    string
	Dir     bool
	Content []byte
}

// Decompress gunzips a downloaded asset into the raw tape archive bytes.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, oops.In("archive").With("operation", "decompress").Wrap(err)
	}
	defer zr.Close() //nolint:errcheck // read errors surface via io.ReadAll

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, oops.In("archive").With("operation", "decompress").Wrap(err)
	}
	return raw, nil
}

// Decode walks the raw tape archive in fixed 512-byte blocks and returns the
// file and directory entries it contains. A fully-zero block terminates the
// walk. Unsupported member types advance the offset without producing an
// entry. The single top-level wrapper directory is stripped from every path;
// members whose stripped path is empty are wrapper markers and are dropped.
func Decode(raw []byte) ([]Entry, error) {
	var entries []Entry

	offset := 0
	for offset+blockSize <= len(raw) {
		header := raw[offset : offset+blockSize]
		if isZeroBlock(header) {
			break
		}

		name := trimField(header[0:100])
		if name == "" {
			// Header with no name carries no content; advance one block.
			offset += blockSize
			continue
		}

		size := parseOctal(header[124:136])
		typeFlag := header[156]

		contentStart := offset + blockSize
		contentEnd := contentStart + size
		if contentEnd > len(raw) {
			return nil, oops.In("archive").
				With("member", name).
				With("size", size).
				New("truncated archive: member content exceeds buffer")
		}

		// Content length rounds up to the next block boundary.
		offset = contentStart + roundUp(size)

		isDir := typeFlag == '5' || strings.HasSuffix(name, "/")
		isFile := typeFlag == 0 || typeFlag == '0'

		stripped := stripWrapper(name)
		if stripped == "" {
			continue // wrapper directory marker
		}

		switch {
		case isDir:
			entries = append(entries, Entry{Path: stripped, Dir: true})
		case isFile:
			content := make([]byte, size)
			copy(content, raw[contentStart:contentEnd])
			entries = append(entries, Entry{Path: stripped, Content: content})
		default:
			// Links and other member types are not materialized.
		}
	}

	return entries, nil
}

// Extract decompresses a downloaded asset and materializes its entries under
// dest. Any failure leaves dest in an undefined state; the caller must
// discard it.
func Extract(data []byte, dest string) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}

	entries, err := Decode(raw)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return oops.In("archive").With("dest", dest).Wrap(err)
	}

	for _, entry := range entries {
		target, err := securePath(dest, entry.Path)
		if err != nil {
			return err
		}

		if entry.Dir {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return oops.In("archive").With("path", entry.Path).Wrap(err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return oops.In("archive").With("path", entry.Path).Wrap(err)
		}
		if err := os.WriteFile(target, entry.Content, 0o600); err != nil {
			return oops.In("archive").With("path", entry.Path).Wrap(err)
		}
	}

	return nil
}

// stripWrapper removes the first path component (the archive's conventional
// wrapper directory, e.g. "package/").
func stripWrapper(name string) string {
	trimmed := strings.TrimSuffix(name, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}

// securePath joins a decoded member path onto dest, rejecting traversal.
func securePath(dest, member string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(member))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", oops.In("archive").With("path", member).New("member path escapes destination")
	}
	return target, nil
}

// trimField trims NUL and space padding from a fixed-width header field.
func trimField(field []byte) string {
	return strings.Trim(string(field), "\x00 ")
}

// parseOctal parses a base-8 size field, defaulting to 0 on failure.
func parseOctal(field []byte) int {
	s := trimField(field)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 8, 64)
	if err != nil || n < 0 {
		return 0
	}
	return int(n)
}

func roundUp(size int) int {
	if size%blockSize == 0 {
		return size
	}
	return size + blockSize - size%blockSize
}

func isZeroBlock(block []byte) bool {
	for _, b := range block {
		if b != 0 {
			return false
		}
	}
	return true
}
