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
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Listen binds the abstract Unix socket DaemonRpc serves on (spec.md §6
// "Daemon socket"): a stream socket whose sockaddr name starts with a
// NUL byte, which the kernel treats as living outside the filesystem
// namespace entirely.
func Listen(name string) (*net.UnixListener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: creating socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: "\x00" + name}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("daemon: binding abstract socket %q: %w", name, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("daemon: listening: %w", err)
	}

	f := os.NewFile(uintptr(fd), "mbtool-daemon-listener")
	defer f.Close()
	fc, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("daemon: wrapping listener: %w", err)
	}
	ul, ok := fc.(*net.UnixListener)
	if !ok {
		fc.Close()
		return nil, fmt.Errorf("daemon: unexpected listener type %T", fc)
	}
	return ul, nil
}

// Serve accepts connections in a loop, serving each on its own goroutine
// (spec.md §5 "the daemon accepts connections in a loop and serves each
// on its own OS thread" — a goroutine per connection is the Go-native
// reading of that requirement). Serve blocks until the listener is
// closed.
func (s *Server) Serve(ln *net.UnixListener) error {
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	uid, gid, err := peerCreds(conn)
	allow := err == nil
	if allow && s.PeerAuth != nil {
		allow = s.PeerAuth(uid, gid)
	}

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	version, proceed, err := handshake(rw, allow)
	if err != nil {
		s.cfg.Logger.Warnf("daemon: handshake: %v", err)
		return
	}
	if !proceed {
		s.cfg.Logger.Infof("daemon: connection rejected (allow=%v version=%d)", allow, version)
		return
	}

	cs := newConnState(version)
	defer cs.handles.closeAll()

	// Requests/responses are strictly serial within one connection
	// (spec.md §5 Ordering); a silent client simply blocks this
	// goroutine forever, matching "no read timeout" in spec.md §5.
	for {
		req, err := readRequest(rw.Reader)
		if err != nil {
			return
		}

		var emitLine func(StreamLine) error
		if req.Op == OpSignedExec {
			// signed_exec streams stdout/stderr from two concurrent
			// goroutines (pkg/signedexec's streamLines); serialize
			// their frames onto the one connection writer.
			var writeMu sync.Mutex
			emitLine = func(line StreamLine) error {
				writeMu.Lock()
				defer writeMu.Unlock()
				if werr := writeResponse(rw.Writer, Response{Status: StatusStreamLine, Line: &line}); werr != nil {
					return werr
				}
				return rw.Flush()
			}
		}

		resp := s.dispatch(cs, req, emitLine)
		if err := writeResponse(rw.Writer, resp); err != nil {
			return
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

// peerCreds reads SO_PEERCRED off the connection's underlying socket,
// the standard Linux mechanism for authenticating a Unix-socket peer by
// uid/gid (spec.md §4.10 Handshake: "peer authentication by uid/gid,
// policy lives above this spec").
func peerCreds(conn *net.UnixConn) (uid, gid uint32, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var ucred *unix.Ucred
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, 0, err
	}
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}
	return ucred.Uid, ucred.Gid, nil
}
