// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Ragdoll Contributors

// Package archivetest builds packed extension archives for tests.
package archivetest

import (
	"bytes"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const blockSize = 512

// Build produces a gzip-compressed tape archive with the conventional
// "package/" wrapper directory. Keys of files are slash-separated paths
// relative to the package root; a key with a trailing slash creates a
// directory entry.
func Build(files map[string]string) []byte {
	return BuildWrapped("package", files)
}

// BuildWrapped is Build with an explicit wrapper directory name.
func BuildWrapped(wrapper string, files map[string]string) []byte {
	var tarball bytes.Buffer

	writeHeader(&tarball, wrapper+"/", 0, '5')

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		name := wrapper + "/" + p
		if strings.HasSuffix(p, "/") {
			writeHeader(&tarball, name, 0, '5')
			continue
		}
		content := files[p]
		writeHeader(&tarball, name, len(content), '0')
		tarball.WriteString(content)
		pad(&tarball, len(content))
	}

	// Two zero blocks terminate the archive.
	tarball.Write(make([]byte, 2*blockSize))

	var gzipped bytes.Buffer
	zw := gzip.NewWriter(&gzipped)
	_, _ = zw.Write(tarball.Bytes())
	_ = zw.Close()
	return gzipped.Bytes()
}

func writeHeader(buf *bytes.Buffer, name string, size int, typeFlag byte) {
	header := make([]byte, blockSize)
	copy(header[0:100], name)
	copy(header[100:108], "0000644\x00")
	copy(header[124:136], octal(size))
	header[156] = typeFlag
	buf.Write(header)
}

func octal(n int) []byte {
	s := []byte("00000000000\x00")
	digits := []byte("01234567")
	for i := 10; i >= 0 && n > 0; i-- {
		s[i] = digits[n%8]
		n /= 8
	}
	return s
}

func pad(buf *bytes.Buffer, size int) {
	if rem := size % blockSize; rem != 0 {
		buf.Write(make([]byte, blockSize-rem))
	}
}
