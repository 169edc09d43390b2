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

//go:build linux

package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/romswitcher"
	"github.com/chenxiaolong/multibootd/pkg/signedexec"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// posixSetuidBits are the raw octal setuid/setgid bits a wire-transmitted
// mode carries (spec.md §4.10 "chmod refuses any mode with setuid or
// setgid bits"), as opposed to Go's os.FileMode bit layout.
const posixSetuidBits = 04000 | 02000

// PowerFunc performs a reboot (reboot=true) or shutdown, with an optional
// reason string, injected so tests never actually power off the test
// runner.
type PowerFunc func(reason string, reboot bool) error

// Server holds the production dependencies dispatch needs: the shared
// config (Logger/Fs, used by the ROM-management operations so they stay
// testable against a temporary vfst tree) plus the ChecksumStore-backed
// RomSwitcher and the SignedExec verifier. File/path operations that
// take arbitrary device paths go straight through the os package: this
// package's job is manipulating whatever live paths a privileged remote
// client names, not the installer's pre-flash staging area, so the
// types.FS test seam doesn't apply here.
type Server struct {
	cfg      types.Config
	store    *checksum.Store
	switcher *romswitcher.Switcher
	verifier *signedexec.Verifier
	power    PowerFunc

	// PeerAuth decides whether an accepted connection is allowed to
	// proceed past the handshake (spec.md §4.10 Handshake: "policy
	// lives above this spec"). Nil means allow every peer.
	PeerAuth func(uid, gid uint32) bool
}

// NewServer builds a Server wired with production components.
func NewServer(cfg types.Config, store *checksum.Store, switcher *romswitcher.Switcher, verifier *signedexec.Verifier, power PowerFunc) *Server {
	return &Server{cfg: cfg, store: store, switcher: switcher, verifier: verifier, power: power}
}

// connState is per-connection dispatch state (spec.md §3 RpcConnection).
type connState struct {
	handles *handleTable
	version int32
}

func newConnState(version int32) *connState {
	return &connState{handles: newHandleTable(), version: version}
}

// dispatch runs one request to completion (spec.md §4.10 Request
// dispatch / Operations). emitLine, when non-nil, lets an operation
// stream intermediate frames before its final response (only
// OpSignedExec does).
func (s *Server) dispatch(conn *connState, req Request, emitLine func(StreamLine) error) Response {
	switch req.Op {
	case OpOpen:
		return s.doOpen(conn, req)
	case OpClose:
		return s.doClose(conn, req)
	case OpRead:
		return s.doRead(conn, req)
	case OpWrite:
		return s.doWrite(conn, req)
	case OpSeek:
		return s.doSeek(conn, req)
	case OpStat:
		return s.doStat(conn, req)
	case OpChmod:
		return s.doChmod(conn, req)
	case OpSelinuxGetLabel:
		return s.doSelinuxGetLabel(conn, req)
	case OpSelinuxSetLabel:
		return s.doSelinuxSetLabel(conn, req)
	case OpCopy:
		return s.doCopy(req)
	case OpDelete:
		return s.doDelete(req)
	case OpMkdir:
		return s.doMkdir(req)
	case OpGetDirectorySize:
		return s.doGetDirectorySize(req)
	case OpSignedExec:
		return s.doSignedExec(req, emitLine)
	case OpGetBootedRomID:
		return s.doGetBootedRomID()
	case OpGetInstalledRoms:
		return s.doGetInstalledRoms()
	case OpSwitchRom:
		return s.doSwitchRom(req)
	case OpSetKernel:
		return s.doSetKernel(req)
	case OpWipeRom:
		return s.doWipeRom(req)
	case OpGetPackagesCount:
		return s.doGetPackagesCount(req)
	case OpReboot:
		return s.doPower(req.RomID, true)
	case OpShutdown:
		return s.doPower(req.RomID, false)
	default:
		return Response{Status: StatusUnsupported, ErrMsg: fmt.Sprintf("daemon: unknown op %d", req.Op)}
	}
}

func errInvalid(format string, args ...interface{}) Response {
	return Response{Status: StatusInvalid, ErrMsg: fmt.Sprintf(format, args...)}
}

func errFailed(format string, args ...interface{}) Response {
	return Response{Status: StatusError, ErrMsg: fmt.Sprintf(format, args...)}
}

func (s *Server) doOpen(conn *connState, req Request) Response {
	f, err := os.OpenFile(req.Path, req.OpenFlags, os.FileMode(req.OpenPerm))
	if err != nil {
		return errInvalid("open %s: %v", req.Path, err)
	}
	h := conn.handles.add(f)
	return Response{Status: StatusOK, Handle: h}
}

func (s *Server) doClose(conn *connState, req Request) Response {
	if err := conn.handles.closeHandle(req.Handle); err != nil {
		return errInvalid("close handle %d: %v", req.Handle, err)
	}
	return Response{Status: StatusOK}
}

func (s *Server) doRead(conn *connState, req Request) Response {
	f, ok := conn.handles.get(req.Handle)
	if !ok {
		return errInvalid("read: handle %d not open", req.Handle)
	}
	buf := make([]byte, req.ReadLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return errFailed("read handle %d: %v", req.Handle, err)
	}
	return Response{Status: StatusOK, Data: buf[:n], N: n}
}

func (s *Server) doWrite(conn *connState, req Request) Response {
	f, ok := conn.handles.get(req.Handle)
	if !ok {
		return errInvalid("write: handle %d not open", req.Handle)
	}
	n, err := f.Write(req.Data)
	if err != nil {
		return errFailed("write handle %d: %v", req.Handle, err)
	}
	return Response{Status: StatusOK, N: n}
}

func (s *Server) doSeek(conn *connState, req Request) Response {
	f, ok := conn.handles.get(req.Handle)
	if !ok {
		return errInvalid("seek: handle %d not open", req.Handle)
	}
	off, err := f.Seek(req.Offset, req.Whence)
	if err != nil {
		return errFailed("seek handle %d: %v", req.Handle, err)
	}
	return Response{Status: StatusOK, Offset: off}
}

func (s *Server) doStat(conn *connState, req Request) Response {
	var info os.FileInfo
	var err error
	if req.HasHandle {
		f, ok := conn.handles.get(req.Handle)
		if !ok {
			return errInvalid("stat: handle %d not open", req.Handle)
		}
		info, err = f.Stat()
	} else {
		info, err = os.Stat(req.Path)
	}
	if err != nil {
		return errInvalid("stat: %v", err)
	}
	return Response{Status: StatusOK, Info: &StatInfo{
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
	}}
}

// doChmod refuses setuid/setgid bits regardless of handle vs path form
// (spec.md §4.10, §8 scenario 6).
func (s *Server) doChmod(conn *connState, req Request) Response {
	if req.Mode&posixSetuidBits != 0 {
		return errInvalid("chmod: setuid/setgid bits are not permitted")
	}
	mode := os.FileMode(req.Mode)
	if req.HasHandle {
		f, ok := conn.handles.get(req.Handle)
		if !ok {
			return errInvalid("chmod: handle %d not open", req.Handle)
		}
		if err := f.Chmod(mode); err != nil {
			return errFailed("chmod handle %d: %v", req.Handle, err)
		}
		return Response{Status: StatusOK}
	}
	if err := os.Chmod(req.Path, mode); err != nil {
		return errInvalid("chmod %s: %v", req.Path, err)
	}
	return Response{Status: StatusOK}
}

const selinuxXattr = "security.selinux"

func (s *Server) pathFor(conn *connState, req Request) (string, Response, bool) {
	if req.HasHandle {
		f, ok := conn.handles.get(req.Handle)
		if !ok {
			return "", errInvalid("handle %d not open", req.Handle), false
		}
		return fmt.Sprintf("/proc/self/fd/%d", f.Fd()), Response{}, true
	}
	return req.Path, Response{}, true
}

func (s *Server) doSelinuxGetLabel(conn *connState, req Request) Response {
	path, errResp, ok := s.pathFor(conn, req)
	if !ok {
		return errResp
	}
	buf := make([]byte, 256)
	n, err := unix.Getxattr(path, selinuxXattr, buf)
	if err != nil {
		return errInvalid("selinux_get_label %s: %v", path, err)
	}
	label := string(buf[:n])
	for len(label) > 0 && label[len(label)-1] == 0 {
		label = label[:len(label)-1]
	}
	return Response{Status: StatusOK, Label: label}
}

func (s *Server) doSelinuxSetLabel(conn *connState, req Request) Response {
	path, errResp, ok := s.pathFor(conn, req)
	if !ok {
		return errResp
	}
	if err := unix.Setxattr(path, selinuxXattr, []byte(req.Label), 0); err != nil {
		return errInvalid("selinux_set_label %s: %v", path, err)
	}
	return Response{Status: StatusOK}
}

func (s *Server) doCopy(req Request) Response {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return errInvalid("copy: reading %s: %v", req.Path, err)
	}
	info, statErr := os.Stat(req.Path)
	mode := os.FileMode(0644)
	if statErr == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(req.NewPath, data, mode); err != nil {
		return errFailed("copy: writing %s: %v", req.NewPath, err)
	}
	return Response{Status: StatusOK}
}

func (s *Server) doDelete(req Request) Response {
	var err error
	switch req.DeleteMode {
	case DeleteUnlink:
		err = unix.Unlink(req.Path)
	case DeleteRmdir:
		err = unix.Rmdir(req.Path)
	case DeleteRemove:
		if rmErr := unix.Unlink(req.Path); rmErr == nil {
			err = nil
		} else {
			err = unix.Rmdir(req.Path)
		}
	case DeleteRecursive:
		err = os.RemoveAll(req.Path)
	default:
		return errInvalid("delete: unknown mode %d", req.DeleteMode)
	}
	if err != nil {
		return errInvalid("delete %s: %v", req.Path, err)
	}
	return Response{Status: StatusOK}
}

func (s *Server) doMkdir(req Request) Response {
	mode := os.FileMode(req.Mode)
	if mode == 0 {
		mode = constants.DirPerm
	}
	if err := os.MkdirAll(req.Path, mode); err != nil {
		return errInvalid("mkdir %s: %v", req.Path, err)
	}
	return Response{Status: StatusOK}
}

// doGetDirectorySize walks req.Path, skipping req.Excluded top-level
// children, and de-duplicates by (device, inode) so hard-linked files
// are only charged once (spec.md §4.10 get_directory_size).
func (s *Server) doGetDirectorySize(req Request) Response {
	excluded := map[string]bool{}
	for _, e := range req.Excluded {
		excluded[e] = true
	}

	seen := map[[2]uint64]bool{}
	var total int64

	topEntries, err := os.ReadDir(req.Path)
	if err != nil {
		return errInvalid("get_directory_size %s: %v", req.Path, err)
	}
	for _, e := range topEntries {
		if excluded[e.Name()] {
			continue
		}
		child := filepath.Join(req.Path, e.Name())
		err := filepath.Walk(child, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if st, ok := info.Sys().(*unix.Stat_t); ok {
				key := [2]uint64{uint64(st.Dev), st.Ino}
				if seen[key] {
					return nil
				}
				seen[key] = true
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return errFailed("get_directory_size: walking %s: %v", child, err)
		}
	}
	return Response{Status: StatusOK, Size: total}
}

// doSignedExec verifies and runs an uploaded binary, streaming its
// output line-by-line via emitLine before returning the final exit
// status (spec.md §4.5, §4.10 signed_exec).
func (s *Server) doSignedExec(req Request, emitLine func(StreamLine) error) Response {
	onLine := func(stderr bool, line string) {
		if emitLine != nil {
			_ = emitLine(StreamLine{Stderr: stderr, Line: line})
		}
	}
	result, err := s.verifier.RunTrusted(req.BinaryBytes, req.SigBytes, req.Argv0, req.Args, req.Env, onLine)
	if err != nil {
		return errInvalid("signed_exec: %v", err)
	}
	return Response{
		Status:        StatusOK,
		ExitSignalled: result.Kind == signedexec.SignalTermination,
		ExitCode:      result.Code,
	}
}

func (s *Server) doGetBootedRomID() Response {
	data, err := s.cfg.Fs.ReadFile(constants.RomIDFile)
	if err != nil {
		return errFailed("get_booted_rom_id: %v", err)
	}
	return Response{Status: StatusOK, RomID: trimNull(string(data))}
}

func trimNull(s string) string {
	for len(s) > 0 && (s[len(s)-1] == 0 || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	return s
}

func (s *Server) doGetInstalledRoms() Response {
	roms, err := rom.Enumerate(s.cfg)
	if err != nil {
		return errFailed("get_installed_roms: %v", err)
	}
	out := make([]RomInfo, 0, len(roms))
	for _, r := range roms {
		info := RomInfo{ID: r.ID}
		if c, err := rom.LoadConfig(s.cfg, r); err == nil {
			info.Version = c.Version
			info.Build = c.Build
		}
		out = append(out, info)
	}
	return Response{Status: StatusOK, Roms: out}
}

func (s *Server) findRom(romID string) (*rom.Rom, Response, bool) {
	roms, err := rom.Enumerate(s.cfg)
	if err != nil {
		return nil, errFailed("looking up rom %s: %v", romID, err), false
	}
	for _, r := range roms {
		if r.ID == romID {
			return r, Response{}, true
		}
	}
	return nil, errInvalid("unknown rom id %q", romID), false
}

func (s *Server) doSwitchRom(req Request) Response {
	r, errResp, ok := s.findRom(req.RomID)
	if !ok {
		return errResp
	}
	outcome := s.switcher.Switch(r, req.BootDevice, req.SearchDirs, req.ForceChecksum)
	return Response{Status: StatusOK, SwitchOutcome: int(outcome)}
}

func (s *Server) doSetKernel(req Request) Response {
	r, errResp, ok := s.findRom(req.RomID)
	if !ok {
		return errResp
	}
	if !s.switcher.SetKernel(r, req.BootDevice) {
		return errFailed("set_kernel: failed for rom %s", req.RomID)
	}
	return Response{Status: StatusOK}
}

func (s *Server) doWipeRom(req Request) Response {
	r, errResp, ok := s.findRom(req.RomID)
	if !ok {
		return errResp
	}
	mountpoints := map[rom.Source]string{
		rom.SystemPartition: "/system",
		rom.CachePartition:  "/cache",
		rom.DataPartition:   "/data",
		rom.ExternalSd:      "/data/media/0",
	}
	for _, target := range req.WipeTargets {
		var path string
		switch target {
		case "system":
			path = r.System.FullPath(mountpoints)
		case "cache":
			path = r.Cache.FullPath(mountpoints)
		case "data":
			path = r.Data.FullPath(mountpoints)
		case "dalvik_cache":
			path = filepath.Join(r.Data.FullPath(mountpoints), "dalvik-cache")
		case "multiboot":
			path = filepath.Join(constants.DataRoot, r.ID)
		default:
			return errInvalid("wipe_rom: unknown target %q", target)
		}
		if err := s.cfg.Fs.RemoveAll(path); err != nil {
			return errFailed("wipe_rom: removing %s: %v", path, err)
		}
	}
	return Response{Status: StatusOK}
}

// doGetPackagesCount counts /data/data entries for the currently booted
// ROM. The source scrapes this per-ROM by mounting each ROM's data
// partition in turn; without an active install/switch in progress this
// daemon only has the booted ROM's /data mounted, so querying any other
// ROM id is reported as Invalid rather than silently returning zero.
func (s *Server) doGetPackagesCount(req Request) Response {
	booted := s.doGetBootedRomID()
	if booted.Status != StatusOK || booted.RomID != req.RomID {
		return errInvalid("get_packages_count: rom %q is not currently mounted", req.RomID)
	}
	entries, err := s.cfg.Fs.ReadDir("/data/data")
	if err != nil {
		return errFailed("get_packages_count: %v", err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}
	return Response{Status: StatusOK, PackagesCount: count}
}

func (s *Server) doPower(reason string, reboot bool) Response {
	if s.power == nil {
		return errFailed("power operation not wired")
	}
	verb := "shutdown"
	if reboot {
		verb = "reboot"
	}
	if err := s.power(reason, reboot); err != nil {
		return errFailed("%s: %v", verb, err)
	}
	return Response{Status: StatusOK}
}
