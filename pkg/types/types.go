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

// Package types holds the shared interfaces and config object threaded
// through every component, carrying a Logger/FS/Mounter/Runner bundle
// instead of letting each package reach for globals.
package types

import (
	"io"
	"io/fs"
	"os"
)

// Logger is the logging contract every component depends on instead of
// importing logrus directly. cmd/ wires a logrus-backed implementation.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

// FS is the filesystem contract used everywhere a component touches disk.
// The production implementation wraps github.com/twpayne/go-vfs/v4 so
// tests can swap in a vfst tree rooted in a temporary directory.
type FS interface {
	Open(name string) (fs.File, error)
	Create(name string) (io.WriteCloser, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	Mkdir(name string, perm os.FileMode) error
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(name string) error
	Rename(oldname, newname string) error
	Chmod(name string, mode os.FileMode) error
	Chown(name string, uid, gid int) error
	Symlink(oldname, newname string) error
	Readlink(name string) (string, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

// Mounter is the mount contract, satisfied in production by
// k8s.io/mount-utils.Interface.
type Mounter interface {
	Mount(source string, target string, fstype string, options []string) error
	Unmount(target string) error
	IsLikelyNotMountPoint(file string) (bool, error)
	List() ([]MountPoint, error)
}

// MountPoint mirrors k8s.io/mount-utils.MountPoint, kept here so callers
// don't need to import mount-utils just to inspect a mount list.
type MountPoint struct {
	Device string
	Path   string
	Type   string
	Opts   []string
}

// Runner executes external helper commands (fsck, losetup fallbacks,
// busybox applets) through one seam instead of os/exec directly.
type Runner interface {
	Run(command string, args ...string) ([]byte, error)
	RunContext(ctx Context, command string, args ...string) ([]byte, error)
}

// Context is a minimal alias of context.Context kept local so this file
// doesn't force every caller to import "context" just for the interface
// declaration; production callers pass a real context.Context.
type Context interface {
	Done() <-chan struct{}
	Err() error
}

// SyscallInterface abstracts the handful of raw syscalls ChrootBuilder and
// ImageManager need, so unit tests can run unprivileged.
type SyscallInterface interface {
	Chroot(path string) error
	Chdir(path string) error
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	Mknod(path string, mode uint32, dev int) error
	Unshare(flags int) error
}

// Config bundles the interfaces every component needs, passed explicitly
// instead of threaded through process-global state (spec.md's Design
// Notes call this out as the one structural change worth making).
type Config struct {
	Logger  Logger
	Fs      FS
	Mounter Mounter
	Runner  Runner
	Syscall SyscallInterface

	// DataRoot is the private state root, defaults to constants.DataRoot.
	DataRoot string
	// MediaRoot is the user-visible storage root.
	MediaRoot string
}
