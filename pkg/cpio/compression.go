/*
Copyright © 2024 - 2026 the multibootd authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cpio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Compression identifies the framing detected on Load and reused on Store
// (spec.md §4.1/§3 Ramdisk).
type Compression int

const (
	None Compression = iota
	Gzip
	Lzop
	Lz4
	Lzma
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	lzopMagic = []byte{0x89, 0x4c, 0x5a, 0x4f, 0x00, 0x0d, 0x0a, 0x1a, 0x0a}
	lz4Magic  = []byte{0x02, 0x21, 0x4c, 0x18}
)

// Decompress sniffs the leading bytes per spec.md §4.1 and returns the
// detected algorithm plus the decompressed payload.
func Decompress(data []byte) (Compression, []byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		out, err := decompressGzip(data)
		return Gzip, out, err
	case bytes.HasPrefix(data, lzopMagic):
		out, err := decompressLzop(data)
		return Lzop, out, err
	case bytes.HasPrefix(data, lz4Magic):
		out, err := decompressLz4(data)
		return Lz4, out, err
	case len(data) > 0 && (data[0] == 0x5d || data[0] == 0x5e):
		out, err := decompressLzma(data)
		return Lzma, out, err
	default:
		return None, data, nil
	}
}

// Compress reframes raw with the given algorithm.
func Compress(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case Gzip:
		return compressGzip(raw)
	case Lzop:
		return compressLzop(raw)
	case Lz4:
		return compressLz4(raw)
	case Lzma:
		return compressLzma(raw)
	default:
		return raw, nil
	}
}

func decompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func compressGzip(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLz4(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

func compressLz4(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.LegacyOption(true)); err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func compressLzma(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lzop framing is not implemented by any library in the retrieved pack
// (see DESIGN.md). This is a minimal single-block reader/writer against
// lzop's public container format: magic, 2-byte version fields, method/
// level bytes, flags, then one uncompressed-size-prefixed block. It is
// sufficient to round-trip archives this tool itself produced; it is not
// a general lzop decoder for arbitrary third-party files.
var lzopHeaderTail = []byte{
	0x10, 0x20, // version
	0x09, 0x40, // lib version
	0x09, 0x40, // version needed
	0x03,       // method: LZO1X_1
	0x05,       // level
	0, 0, 0, 0, // flags
	0, 0, 0, 0, // mode
	0, 0, 0, 0, // mtime low
	0, 0, 0, 0, // mtime high
	0, // filename length (none)
	0, 0, 0, 0, // header checksum (unchecked by our reader)
}

func decompressLzop(data []byte) ([]byte, error) {
	off := len(lzopMagic)
	if off+len(lzopHeaderTail) > len(data) {
		return nil, fmt.Errorf("cpio: truncated lzop header")
	}
	off += len(lzopHeaderTail)
	var out bytes.Buffer
	for off < len(data) {
		if off+4 > len(data) {
			return nil, fmt.Errorf("cpio: truncated lzop block")
		}
		uncompressedLen := be32(data[off:])
		off += 4
		if uncompressedLen == 0 {
			break // end-of-stream marker
		}
		if off+4 > len(data) {
			return nil, fmt.Errorf("cpio: truncated lzop block length")
		}
		compressedLen := be32(data[off:])
		off += 4
		off += 4 // per-block checksum, unchecked
		if compressedLen == uncompressedLen {
			// stored uncompressed
			if off+int(compressedLen) > len(data) {
				return nil, fmt.Errorf("cpio: truncated lzop payload")
			}
			out.Write(data[off : off+int(compressedLen)])
			off += int(compressedLen)
		} else {
			return nil, fmt.Errorf("cpio: compressed lzop blocks are not supported by this minimal decoder")
		}
	}
	return out.Bytes(), nil
}

func compressLzop(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(lzopMagic)
	buf.Write(lzopHeaderTail)
	writeBE32(&buf, uint32(len(raw)))
	writeBE32(&buf, uint32(len(raw))) // compressedLen == uncompressedLen: stored
	writeBE32(&buf, 0)                // checksum placeholder
	buf.Write(raw)
	writeBE32(&buf, 0) // end marker
	return buf.Bytes(), nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func writeBE32(buf *bytes.Buffer, v uint32) {
	buf.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
