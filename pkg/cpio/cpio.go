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

// Package cpio implements CpioCodec (spec.md §4.1): load/store of an
// Android ramdisk, a cpio "newc" archive, fully in memory (the archives
// this tool handles are well under 30 MiB and mutation needs random
// access, so there is no streaming API — see spec.md §4.1 Rationale).
//
// No library in the retrieved pack implements the cpio "newc" layout, so
// this codec is hand-rolled against the format's public documentation
// (see DESIGN.md for the justification).
package cpio

import (
	"bytes"
	"fmt"
	"sort"
)

// EntryType is one of the four file types a ramdisk entry can be.
type EntryType int

const (
	Regular EntryType = iota
	Symlink
	Directory
	Special
)

// Entry is one cpio archive member (spec.md §3 Ramdisk).
type Entry struct {
	Path       string
	Type       EntryType
	Mode       uint32 // permission bits only, e.g. 0755
	LinkTarget string // Symlink only
	DevMajor   uint32 // Special only
	DevMinor   uint32 // Special only
	Data       []byte // Regular only
}

// Ramdisk is an ordered multiset of cpio entries (spec.md §3 Ramdisk).
type Ramdisk struct {
	entries     map[string]*Entry
	compression Compression
}

// New returns an empty ramdisk that will be stored uncompressed unless
// loaded from compressed bytes first.
func New() *Ramdisk {
	return &Ramdisk{entries: map[string]*Entry{}, compression: None}
}

// ErrAlreadyExists is returned by AddFile/AddSymlink/Rename when the
// target pathname is already present.
type ErrAlreadyExists struct{ Path string }

func (e *ErrAlreadyExists) Error() string { return fmt.Sprintf("cpio: %q already exists", e.Path) }

// ErrNotFound is returned by Read/Write/Remove/Rename when the pathname
// is absent.
type ErrNotFound struct{ Path string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("cpio: %q not found", e.Path) }

// Exists reports whether path is present in the archive.
func (r *Ramdisk) Exists(path string) bool {
	_, ok := r.entries[path]
	return ok
}

// Read returns the payload of a regular file entry.
func (r *Ramdisk) Read(path string) ([]byte, error) {
	e, ok := r.entries[path]
	if !ok {
		return nil, &ErrNotFound{Path: path}
	}
	return e.Data, nil
}

// Write replaces the payload of an existing regular file entry.
func (r *Ramdisk) Write(path string, data []byte) error {
	e, ok := r.entries[path]
	if !ok {
		return &ErrNotFound{Path: path}
	}
	e.Data = data
	normalize(e)
	return nil
}

// Remove deletes an entry; it is not an error to remove a missing path
// beyond what callers of the typed API expect, so Remove uses NotFound
// too for symmetry with Read/Write.
func (r *Ramdisk) Remove(path string) error {
	if _, ok := r.entries[path]; !ok {
		return &ErrNotFound{Path: path}
	}
	delete(r.entries, path)
	return nil
}

// AddFile inserts a new regular file entry. Fails with ErrAlreadyExists
// if the pathname is present.
func (r *Ramdisk) AddFile(path string, mode uint32, data []byte) error {
	if r.Exists(path) {
		return &ErrAlreadyExists{Path: path}
	}
	e := &Entry{Path: path, Type: Regular, Mode: mode & 0777, Data: data}
	r.entries[path] = e
	return nil
}

// AddSymlink inserts a new symlink entry with mode 0777 (spec.md §8
// scenario 5). Fails with ErrAlreadyExists if the pathname is present.
func (r *Ramdisk) AddSymlink(path, target string) error {
	if r.Exists(path) {
		return &ErrAlreadyExists{Path: path}
	}
	e := &Entry{Path: path, Type: Symlink, Mode: 0777, LinkTarget: target}
	r.entries[path] = e
	return nil
}

// AddDirectory inserts a new directory entry.
func (r *Ramdisk) AddDirectory(path string, mode uint32) error {
	if r.Exists(path) {
		return &ErrAlreadyExists{Path: path}
	}
	r.entries[path] = &Entry{Path: path, Type: Directory, Mode: mode & 0777}
	return nil
}

// Rename moves an entry from old to new. Fails with ErrAlreadyExists if
// new is present, ErrNotFound if old is absent.
func (r *Ramdisk) Rename(oldPath, newPath string) error {
	e, ok := r.entries[oldPath]
	if !ok {
		return &ErrNotFound{Path: oldPath}
	}
	if r.Exists(newPath) {
		return &ErrAlreadyExists{Path: newPath}
	}
	delete(r.entries, oldPath)
	e.Path = newPath
	r.entries[newPath] = e
	return nil
}

// Entries returns a snapshot of all entries, sorted lexicographically by
// pathname; insertion order is never observable (spec.md §4.1).
func (r *Ramdisk) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Compression returns the compression algorithm detected on Load, reused
// on Store so a round-trip is bit-compatible up to entry ordering.
func (r *Ramdisk) Compression() Compression { return r.compression }

// SetCompression overrides the algorithm used by Store.
func (r *Ramdisk) SetCompression(c Compression) { r.compression = c }

// normalize forces uid/gid/mtime/devmajor/devminor to zero so the
// archive is byte-reproducible across hosts (spec.md §4.1).
func normalize(e *Entry) {
	if e.Type != Special {
		e.DevMajor, e.DevMinor = 0, 0
	}
}

// Load sniffs the compression and parses a newc cpio archive (spec.md
// §4.1/§8 Cpio round-trip property).
func Load(data []byte) (*Ramdisk, error) {
	compression, payload, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	r := New()
	r.compression = compression
	if err := r.parseNewc(payload); err != nil {
		return nil, err
	}
	return r, nil
}

// Store serialises the ramdisk in lexicographic order using the newc
// format, then compresses with the algorithm remembered from Load.
func (r *Ramdisk) Store() ([]byte, error) {
	raw := r.serializeNewc()
	return Compress(r.compression, raw)
}

const (
	newcMagic   = "070701"
	trailerName = "TRAILER!!!"
	headerLen   = 110 // 6 magic + 13*8 hex fields
)

func modeBits(e *Entry) uint32 {
	var typeBits uint32
	switch e.Type {
	case Regular:
		typeBits = 0100000
	case Symlink:
		typeBits = 0120000
	case Directory:
		typeBits = 0040000
	case Special:
		typeBits = 0020000
	}
	return typeBits | (e.Mode & 0777)
}

func typeFromMode(mode uint32) EntryType {
	switch mode & 0170000 {
	case 0120000:
		return Symlink
	case 0040000:
		return Directory
	case 0100000:
		return Regular
	default:
		return Special
	}
}

func pad4(n int) int {
	if rem := n % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

func (r *Ramdisk) serializeNewc() []byte {
	var buf bytes.Buffer
	entries := r.Entries()

	writeEntry := func(path string, mode uint32, filesize int, devmajor, devminor uint32, payload []byte) {
		nameSize := len(path) + 1 // NUL terminator
		hdr := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			newcMagic,
			0,        // ino
			mode,     // mode
			0,        // uid
			0,        // gid
			1,        // nlink
			0,        // mtime
			filesize, // filesize
			0,        // devmajor
			0,        // devminor
			devmajor, // rdevmajor
			devminor, // rdevminor
			nameSize, // namesize
			0,        // check
		)
		buf.WriteString(hdr)
		buf.WriteString(path)
		buf.WriteByte(0)
		buf.Write(make([]byte, pad4(headerLen+nameSize)))
		if len(payload) > 0 {
			buf.Write(payload)
		}
		buf.Write(make([]byte, pad4(filesize)))
	}

	for _, e := range entries {
		switch e.Type {
		case Regular:
			writeEntry(e.Path, modeBits(e), len(e.Data), 0, 0, e.Data)
		case Symlink:
			target := []byte(e.LinkTarget)
			writeEntry(e.Path, modeBits(e), len(target), 0, 0, target)
		case Directory:
			writeEntry(e.Path, modeBits(e), 0, 0, 0, nil)
		case Special:
			writeEntry(e.Path, modeBits(e), 0, e.DevMajor, e.DevMinor, nil)
		}
	}
	writeEntry(trailerName, 0, 0, 0, 0, nil)

	return buf.Bytes()
}

func (r *Ramdisk) parseNewc(data []byte) error {
	off := 0
	for {
		if off+headerLen > len(data) {
			return fmt.Errorf("cpio: truncated header at offset %d", off)
		}
		hdr := data[off : off+headerLen]
		if string(hdr[:6]) != newcMagic {
			return fmt.Errorf("cpio: bad magic at offset %d", off)
		}
		field := func(i int) (uint64, error) {
			start := 6 + i*8
			var v uint64
			_, err := fmt.Sscanf(string(hdr[start:start+8]), "%x", &v)
			return v, err
		}
		mode, err := field(1)
		if err != nil {
			return err
		}
		filesize, err := field(6)
		if err != nil {
			return err
		}
		rdevmajor, err := field(9)
		if err != nil {
			return err
		}
		rdevminor, err := field(10)
		if err != nil {
			return err
		}
		namesize, err := field(11)
		if err != nil {
			return err
		}

		off += headerLen
		if off+int(namesize) > len(data) {
			return fmt.Errorf("cpio: truncated name at offset %d", off)
		}
		name := string(data[off : off+int(namesize)-1]) // drop NUL
		off += int(namesize)
		off += pad4(headerLen + int(namesize))

		if name == trailerName {
			break
		}

		if off+int(filesize) > len(data) {
			return fmt.Errorf("cpio: truncated payload for %q", name)
		}
		payload := data[off : off+int(filesize)]
		off += int(filesize)
		off += pad4(int(filesize))

		e := &Entry{Path: name, Type: typeFromMode(uint32(mode)), Mode: uint32(mode) & 0777}
		switch e.Type {
		case Symlink:
			e.LinkTarget = string(payload)
		case Regular:
			e.Data = append([]byte(nil), payload...)
		case Special:
			e.DevMajor = uint32(rdevmajor)
			e.DevMinor = uint32(rdevminor)
		}
		r.entries[name] = e
	}
	return nil
}
