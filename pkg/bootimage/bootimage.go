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

// Package bootimage implements BootImageCodec (spec.md §4.2): parsing,
// editing and re-serialising the Android boot image container, including
// the legacy Loki envelope used on locked bootloaders.
//
// The header layout is grounded on the Android boot image format
// described in the retrieved magiskboot_go pack sources; hashing uses the
// standard library (crypto/sha1) since no pack dependency offers anything
// beyond what it already provides for this narrow need (see DESIGN.md).
package bootimage

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/chenxiaolong/multibootd/pkg/constants"
)

// Format identifies the on-disk envelope.
type Format int

const (
	Plain Format = iota
	Loki
)

// Header holds the fixed-size fields of the Android boot image header
// (spec.md §3 BootImage Header).
type Header struct {
	PageSize       uint32
	KernelAddr     uint32
	RamdiskAddr    uint32
	SecondAddr     uint32
	DeviceTreeAddr uint32
	TagsAddr       uint32
	Cmdline        string
	Board          string
	Format         Format
}

// BootImage is a fully parsed boot image (spec.md §3 BootImage).
type BootImage struct {
	Header     Header
	Kernel     []byte
	Ramdisk    []byte
	Second     []byte // optional
	DeviceTree []byte // optional
	AbootImage []byte // Loki only, required to re-apply the envelope
}

// FieldTooLong is returned by the Set* validators.
type FieldTooLong struct {
	Field string
	Max   int
}

func (e *FieldTooLong) Error() string {
	return fmt.Sprintf("bootimage: %s exceeds maximum length of %d bytes", e.Field, e.Max)
}

// AbootRequired is returned by Serialise when a Loki image has no aboot
// reference to re-apply the envelope against.
var AbootRequired = fmt.Errorf("bootimage: loki format requires an aboot image reference")

const headerMagicLen = 8
const headerFixedSize = 8 + 4*8 + 16 + 512 + 32 + 1024 // magic + ints + board + cmdline + id + extra_cmdline

// SetCmdline validates and sets the kernel command line (≤512 bytes).
func (b *BootImage) SetCmdline(cmdline string) error {
	if len(cmdline) > constants.MaxCmdlineLen {
		return &FieldTooLong{Field: "cmdline", Max: constants.MaxCmdlineLen}
	}
	b.Header.Cmdline = cmdline
	return nil
}

// SetBoard validates and sets the board name (≤16 bytes).
func (b *BootImage) SetBoard(board string) error {
	if len(board) > constants.MaxBoardLen {
		return &FieldTooLong{Field: "board", Max: constants.MaxBoardLen}
	}
	b.Header.Board = board
	return nil
}

// SetKernel replaces the kernel section.
func (b *BootImage) SetKernel(data []byte) { b.Kernel = data }

// SetRamdisk replaces the ramdisk section.
func (b *BootImage) SetRamdisk(data []byte) { b.Ramdisk = data }

// Parse locates the header by searching for the standard magic within the
// first 32 KiB, then parses sections and detects a Loki envelope.
func Parse(data []byte) (*BootImage, error) {
	window := len(data)
	if window > constants.BootMagicSearchWindow {
		window = constants.BootMagicSearchWindow
	}
	idx := bytes.Index(data[:window], []byte(constants.AndroidMagic))
	if idx < 0 {
		return nil, fmt.Errorf("bootimage: magic %q not found in first %d bytes", constants.AndroidMagic, window)
	}
	base := data[idx:]
	if len(base) < headerFixedSize {
		return nil, fmt.Errorf("bootimage: truncated header")
	}

	r := bytes.NewReader(base[headerMagicLen:])
	var kernelSize, ramdiskSize, secondSize, pageSize, dtSize uint32
	var kernelAddr, ramdiskAddr, secondAddr, tagsAddr uint32
	fields := []*uint32{
		&kernelSize, &kernelAddr,
		&ramdiskSize, &ramdiskAddr,
		&secondSize, &secondAddr,
		&tagsAddr, &pageSize, &dtSize,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("bootimage: reading header: %w", err)
		}
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		pageSize = constants.BootImagePageSizeDefault
	}

	boardRaw := make([]byte, 16)
	if err := binary.Read(r, binary.LittleEndian, &boardRaw); err != nil {
		return nil, err
	}
	cmdlineRaw := make([]byte, constants.MaxCmdlineLen)
	if err := binary.Read(r, binary.LittleEndian, &cmdlineRaw); err != nil {
		return nil, err
	}

	pageAlign := func(n uint32) uint32 {
		rem := n % pageSize
		if rem == 0 {
			return n
		}
		return n + (pageSize - rem)
	}

	off := idx + int(pageSize)
	readSection := func(size uint32) ([]byte, error) {
		if size == 0 {
			return nil, nil
		}
		if off+int(size) > len(data) {
			return nil, fmt.Errorf("bootimage: section overruns image (off=%d size=%d len=%d)", off, size, len(data))
		}
		section := data[off : off+int(size)]
		off += int(pageAlign(size))
		return append([]byte(nil), section...), nil
	}

	kernel, err := readSection(kernelSize)
	if err != nil {
		return nil, err
	}
	ramdisk, err := readSection(ramdiskSize)
	if err != nil {
		return nil, err
	}
	second, err := readSection(secondSize)
	if err != nil {
		return nil, err
	}
	deviceTree, err := readSection(dtSize)
	if err != nil {
		return nil, err
	}

	bi := &BootImage{
		Header: Header{
			PageSize:       pageSize,
			KernelAddr:     kernelAddr,
			RamdiskAddr:    ramdiskAddr,
			SecondAddr:     secondAddr,
			DeviceTreeAddr: 0,
			TagsAddr:       tagsAddr,
			Cmdline:        cString(cmdlineRaw),
			Board:          cString(boardRaw),
			Format:         Plain,
		},
		Kernel:     kernel,
		Ramdisk:    ramdisk,
		Second:     second,
		DeviceTree: deviceTree,
	}

	if lokiOffset := idx + constants.LokiMagicOffset; lokiOffset+len(constants.LokiMagic) <= len(data) &&
		bytes.Equal(data[lokiOffset:lokiOffset+len(constants.LokiMagic)], []byte(constants.LokiMagic)) {
		if err := reconstructLokiHeader(bi, data, idx); err != nil {
			return nil, err
		}
		bi.Header.Format = Loki
	}

	return bi, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// Serialise re-emits the boot image: every section zero-padded to a
// page_size boundary, header checksum recomputed, and for a Loki target
// the envelope is re-applied against the caller-supplied aboot reference
// (spec.md §4.2 Re-serialisation rule).
func (b *BootImage) Serialise() ([]byte, error) {
	if len(b.Header.Cmdline) > constants.MaxCmdlineLen {
		return nil, &FieldTooLong{Field: "cmdline", Max: constants.MaxCmdlineLen}
	}
	if len(b.Header.Board) > constants.MaxBoardLen {
		return nil, &FieldTooLong{Field: "board", Max: constants.MaxBoardLen}
	}

	plain, err := b.serialisePlain()
	if err != nil {
		return nil, err
	}
	if b.Header.Format != Loki {
		return plain, nil
	}
	if len(b.AbootImage) == 0 {
		return nil, AbootRequired
	}
	return applyLoki(plain, b.AbootImage, b.Header.PageSize), nil
}

func (b *BootImage) serialisePlain() ([]byte, error) {
	pageSize := b.Header.PageSize
	if pageSize == 0 {
		pageSize = constants.BootImagePageSizeDefault
	}

	pad := func(buf *bytes.Buffer) {
		if rem := buf.Len() % int(pageSize); rem != 0 {
			buf.Write(make([]byte, int(pageSize)-rem))
		}
	}

	var hdr bytes.Buffer
	hdr.WriteString(constants.AndroidMagic)
	writeU32 := func(v uint32) { binary.Write(&hdr, binary.LittleEndian, v) }
	writeU32(uint32(len(b.Kernel)))
	writeU32(b.Header.KernelAddr)
	writeU32(uint32(len(b.Ramdisk)))
	writeU32(b.Header.RamdiskAddr)
	writeU32(uint32(len(b.Second)))
	writeU32(b.Header.SecondAddr)
	writeU32(b.Header.TagsAddr)
	writeU32(pageSize)
	writeU32(uint32(len(b.DeviceTree)))

	board := make([]byte, constants.MaxBoardLen)
	copy(board, b.Header.Board)
	hdr.Write(board)

	cmdline := make([]byte, constants.MaxCmdlineLen)
	copy(cmdline, b.Header.Cmdline)
	hdr.Write(cmdline)

	id := computeID(b.Kernel, b.Ramdisk, b.Second, b.DeviceTree)
	hdr.Write(id[:])
	hdr.Write(make([]byte, 1024)) // extra_cmdline, unused

	pad(&hdr)

	var out bytes.Buffer
	out.Write(hdr.Bytes())

	writeSection := func(data []byte) {
		if len(data) == 0 {
			return
		}
		out.Write(data)
		if rem := len(data) % int(pageSize); rem != 0 {
			out.Write(make([]byte, int(pageSize)-rem))
		}
	}
	writeSection(b.Kernel)
	writeSection(b.Ramdisk)
	writeSection(b.Second)
	writeSection(b.DeviceTree)

	return out.Bytes(), nil
}

// computeID mirrors the composite SHA-1 the standard Android boot image
// header carries: the digest of each populated section and its length.
func computeID(kernel, ramdisk, second, dt []byte) [20]byte {
	h := sha1.New()
	write := func(data []byte) {
		h.Write(data)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		h.Write(lenBuf[:])
	}
	write(kernel)
	write(ramdisk)
	write(second)
	if len(dt) > 0 {
		write(dt)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
