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

// Package daemon implements DaemonRpc (spec.md §4.10): a framed
// request/response protocol over an abstract Unix socket, giving
// privileged clients file, path, process, and ROM-management operations
// plus a signature-verified trusted-exec escape hatch.
//
// The framing and ALLOW/DENY + version handshake have no existing pack
// precedent narrower than net/rpc's own wire format, so this part is
// hand-rolled length-prefixed gob against the standard library per the
// ledger in DESIGN.md; everything the frames carry (ROM operations,
// signed exec, the handle table) is wired to the other packages this
// repo already built.
package daemon

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Op is the request discriminant (spec.md §4.10 Request dispatch).
type Op int32

const (
	OpOpen Op = iota
	OpClose
	OpRead
	OpWrite
	OpSeek
	OpStat
	OpChmod
	OpSelinuxGetLabel
	OpSelinuxSetLabel
	OpCopy
	OpDelete
	OpMkdir
	OpGetDirectorySize
	OpSignedExec
	OpGetBootedRomID
	OpGetInstalledRoms
	OpSwitchRom
	OpSetKernel
	OpWipeRom
	OpGetPackagesCount
	OpReboot
	OpShutdown
)

// DeleteMode selects which variant of delete path op runs (spec.md §4.10
// "delete variants").
type DeleteMode int32

const (
	DeleteUnlink DeleteMode = iota
	DeleteRmdir
	DeleteRemove // try both unlink and rmdir
	DeleteRecursive
)

// Status is the response's outcome tag. StreamLine marks an intermediate
// frame carrying one streamed signed_exec output line; the client keeps
// reading frames until it sees a terminal status (spec.md §4.5 Output
// streaming).
type Status int32

const (
	StatusOK Status = iota
	StatusInvalid
	StatusUnsupported
	StatusError
	StatusStreamLine
)

// ProtocolVersion is the current opaque protocol version (spec.md §6:
// "the current version is 3").
const ProtocolVersion int32 = 3

// Request is the single wire shape covering every operation; unused
// fields are left zero. A oneof-per-field struct keeps the wire codec a
// single gob.Encode/Decode pair instead of a type-switch registry.
type Request struct {
	Op Op

	HasHandle bool
	Handle    uint32

	Path    string
	NewPath string

	OpenFlags int
	OpenPerm  uint32

	ReadLen int
	Data    []byte

	Offset int64
	Whence int

	Mode uint32 // chmod mode

	Label string // selinux_set_label

	DeleteMode DeleteMode

	Excluded []string // get_directory_size: top-level children to skip

	BinaryBytes []byte // signed_exec
	SigBytes    []byte
	Argv0       string
	Args        []string
	Env         []string

	RomID         string
	BootDevice    string
	SearchDirs    []string
	ForceChecksum bool
	WipeTargets   []string
}

// StatInfo is the subset of os.FileInfo sent back over the wire.
type StatInfo struct {
	Size    int64
	Mode    uint32
	IsDir   bool
	ModTime int64 // unix seconds
}

// RomInfo is one entry of get_installed_roms (spec.md §4.10: "per-ROM
// build.prop scraped version and build").
type RomInfo struct {
	ID      string
	Version string
	Build   string
}

// StreamLine is carried by an intermediate StatusStreamLine response.
type StreamLine struct {
	Stderr bool
	Line   string
}

// Response is the single wire shape covering every operation's reply.
type Response struct {
	Status Status
	ErrMsg string

	Handle uint32
	Data   []byte
	N      int
	Offset int64

	Info *StatInfo
	Label string

	Size int64 // get_directory_size

	RomID string
	Roms  []RomInfo

	SwitchOutcome int // romswitcher.Outcome

	PackagesCount int

	Line *StreamLine

	ExitSignalled bool
	ExitCode      int
}

const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes a big-endian 32-bit length prefix followed by
// payload (spec.md §4.10 Wire protocol).
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting anything larger
// than maxFrameSize as a protocol violation.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("daemon: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeRequest/writeResponse/readRequest/readResponse gob-encode the
// typed struct into a single framed blob.
func writeRequest(w io.Writer, req Request) error {
	return writeGobFrame(w, req)
}

func writeResponse(w io.Writer, resp Response) error {
	return writeGobFrame(w, resp)
}

func writeGobFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	return writeFrame(w, buf.Bytes())
}

func readRequest(r io.Reader) (Request, error) {
	var req Request
	payload, err := readFrame(r)
	if err != nil {
		return req, err
	}
	err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&req)
	return req, err
}

func readResponse(r io.Reader) (Response, error) {
	var resp Response
	payload, err := readFrame(r)
	if err != nil {
		return resp, err
	}
	err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp)
	return resp, err
}

// handshake runs the ALLOW/DENY + version negotiation described in
// spec.md §4.10 Handshake, over raw (unframed) reads/writes. allow is
// the peer-authentication decision made by the caller (policy lives
// above this package, per spec.md §4.10).
func handshake(rw *bufio.ReadWriter, allow bool) (clientVersion int32, proceed bool, err error) {
	if !allow {
		_, werr := rw.WriteString("DENY\n")
		if werr != nil {
			return 0, false, werr
		}
		return 0, false, rw.Flush()
	}
	if _, err := rw.WriteString("ALLOW\n"); err != nil {
		return 0, false, err
	}
	if err := rw.Flush(); err != nil {
		return 0, false, err
	}

	var verBuf [4]byte
	if _, err := io.ReadFull(rw, verBuf[:]); err != nil {
		return 0, false, err
	}
	clientVersion = int32(binary.BigEndian.Uint32(verBuf[:]))

	supported := clientVersion == ProtocolVersion
	if supported {
		_, err = rw.WriteString("OK\n")
	} else {
		_, err = rw.WriteString("UNSUPPORTED\n")
	}
	if err != nil {
		return clientVersion, false, err
	}
	return clientVersion, supported, rw.Flush()
}
