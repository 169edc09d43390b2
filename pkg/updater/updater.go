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

// Package updater implements UpdaterRunner (spec.md §4.7): invokes an
// unmodified OTA updater binary inside a chroot, relays its command
// pipe and stdio, and translates its exit into success/failure.
//
// The pipe/reader-goroutine wiring and exit-status translation are
// grounded on the retrieved Android build tooling's javac wrapper
// (cmd/javac_wrapper); AROMA's SIGSTOP/SIGCONT dance has no existing
// pack precedent and is implemented directly against os.Signal / the
// standard library per the contract in spec.md §4.7.
package updater

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// LineSink receives lines produced by the updater: ui_print text lines
// (forwarded verbatim) and raw stdio lines.
type LineSink interface {
	UIPrint(text string)
	Stdio(line string)
	Unknown(command string)
}

// Runner drives one updater invocation.
type Runner struct {
	cfg types.Config
}

// New returns a Runner bound to cfg.
func New(cfg types.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run invokes updaterPath with the given interface version, relaying
// command-pipe and stdio output to sink, and returns whether it succeeded
// (spec.md §4.7 Contract/Exit semantics). zipPath is not forwarded: the
// updater's zip argument is always the in-chroot path /mb/install.zip.
//
// props seeds the legacy Android property workspace if the updater
// binary references ANDROID_PROPERTY_WORKSPACE (spec.md §4.7 Legacy
// property shim). parentPid, when non-zero, receives SIGSTOP/SIGCONT
// around the child's lifetime if the binary matches an AROMA marker
// (spec.md §4.7 AROMA coordination).
func (r *Runner) Run(updaterPath, zipPath string, interfaceVersion int, props map[string]string, parentPid int, sink LineSink) (bool, error) {
	binary, err := r.cfg.Fs.ReadFile(updaterPath)
	if err != nil {
		return false, fmt.Errorf("updater: reading %s: %w", updaterPath, err)
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return false, fmt.Errorf("updater: creating command pipe: %w", err)
	}
	defer cmdR.Close()

	stdioR, stdioW, err := os.Pipe()
	if err != nil {
		cmdW.Close()
		return false, fmt.Errorf("updater: creating stdio pipe: %w", err)
	}
	defer stdioR.Close()

	cmd := exec.Command(updaterPath, strconv.Itoa(interfaceVersion), "3", "/mb/install.zip")
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return false, err
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = stdioW
	cmd.Stderr = stdioW
	cmd.ExtraFiles = []*os.File{cmdW}

	workspace := usesPropertyWorkspace(binary)
	if workspace {
		wsFile, wsSize, werr := buildPropertyWorkspace(props)
		if werr != nil {
			return false, werr
		}
		defer wsFile.Close()
		cmd.ExtraFiles = append(cmd.ExtraFiles, wsFile)
		wsFd := 3 + len(cmd.ExtraFiles) - 1
		cmd.Env = append(os.Environ(), fmt.Sprintf("ANDROID_PROPERTY_WORKSPACE=%d,%d", wsFd, wsSize))
	}

	aroma := isAromaUpdater(binary)
	if aroma && parentPid != 0 {
		if err := syscall.Kill(parentPid, syscall.SIGSTOP); err != nil {
			r.cfg.Logger.Warnf("updater: SIGSTOP on parent: %v", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("updater: starting %s: %w", updaterPath, err)
	}
	cmdW.Close()
	stdioW.Close()

	done := make(chan struct{}, 2)
	go relayCommands(cmdR, sink, done)
	go relayStdio(stdioR, sink, done)

	waitErr := cmd.Wait()
	<-done
	<-done

	if aroma && parentPid != 0 {
		if err := syscall.Kill(parentPid, syscall.SIGCONT); err != nil {
			r.cfg.Logger.Warnf("updater: SIGCONT on parent: %v", err)
		}
	}

	return interpretExit(r.cfg.Logger, waitErr), nil
}

func interpretExit(log types.Logger, err error) bool {
	if err == nil {
		return true
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		log.Warnf("updater: waiting for subprocess: %v", err)
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	if status.Signaled() {
		log.Warnf("updater: subprocess killed by signal %s", status.Signal())
	} else {
		log.Warnf("updater: subprocess exited with status %d", status.ExitStatus())
	}
	return false
}

func relayCommands(r *os.File, sink LineSink, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		dispatchCommand(scanner.Text(), sink)
	}
	done <- struct{}{}
}

func relayStdio(r *os.File, sink LineSink, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if sink != nil {
			sink.Stdio(scanner.Text())
		}
	}
	done <- struct{}{}
}

// dispatchCommand parses one command-pipe line per the grammar in
// spec.md §4.7 Command pipe grammar.
func dispatchCommand(line string, sink LineSink) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "progress", "set_progress", "wipe_cache", "clear_display", "enable_reboot":
		// Ignored UI hints.
	case "ui_print":
		text := strings.TrimPrefix(line, "ui_print")
		text = strings.TrimPrefix(text, " ")
		if sink != nil {
			sink.UIPrint(text)
		}
	default:
		if sink != nil {
			sink.Unknown(line)
		}
	}
}

func usesPropertyWorkspace(binary []byte) bool {
	return bytes.Contains(binary, []byte("ANDROID_PROPERTY_WORKSPACE"))
}

func isAromaUpdater(binary []byte) bool {
	for _, marker := range constants.AromaMarkers {
		if bytes.Contains(binary, []byte(marker)) {
			return true
		}
	}
	return false
}

// propertyWorkspaceSize is a conservative fixed size matching the
// legacy Android property area: enough for several hundred short
// ro.*=value entries.
const propertyWorkspaceSize = 32 * 1024

// buildPropertyWorkspace serialises props into a flat NUL-separated
// "key=value" blob backed by a memfd-equivalent temp file, the shape the
// legacy property shim hands the updater via ANDROID_PROPERTY_WORKSPACE
// (spec.md §4.7 Legacy property shim).
func buildPropertyWorkspace(props map[string]string) (*os.File, int, error) {
	f, err := os.CreateTemp("", "multibootd-propws-*")
	if err != nil {
		return nil, 0, fmt.Errorf("updater: creating property workspace: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("updater: unlinking property workspace: %w", err)
	}

	var buf bytes.Buffer
	for k, v := range props {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	if buf.Len() > propertyWorkspaceSize {
		f.Close()
		return nil, 0, fmt.Errorf("updater: property workspace overflow (%d > %d)", buf.Len(), propertyWorkspaceSize)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return nil, 0, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, propertyWorkspaceSize, nil
}
