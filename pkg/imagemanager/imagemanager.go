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

// Package imagemanager implements ImageManager (spec.md §4.4): creation
// and lifecycle of the sparse ext4 images that back image-based ROM
// storage, and the loop devices used to mount them.
package imagemanager

import (
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"golang.org/x/sys/unix"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// InsufficientSpace is returned by CreateImage when the target filesystem
// doesn't have enough free space for the requested size (spec.md §4.4).
type InsufficientSpace struct {
	Path      string
	Needed    int64
	Available int64
}

func (e *InsufficientSpace) Error() string {
	return fmt.Sprintf("imagemanager: %s needs %d bytes, only %d available", e.Path, e.Needed, e.Available)
}

// Manager wraps the host facilities needed to create, attach and mount
// sparse image files.
type Manager struct {
	cfg types.Config
}

// New returns a Manager bound to cfg.
func New(cfg types.Config) *Manager {
	return &Manager{cfg: cfg}
}

// CreateImage creates a sparse file of the given size at path and formats
// it ext4, after checking the parent filesystem has enough free space
// (spec.md §4.4 CreateImage).
func (m *Manager) CreateImage(path string, size int64) error {
	if err := m.checkSpace(path, size); err != nil {
		return err
	}

	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return fmt.Errorf("imagemanager: creating %s: %w", path, err)
	}

	fspec := disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeExt4,
		VolumeLabel: "multiboot",
	}
	fs, err := d.CreateFilesystem(fspec)
	if err != nil {
		return fmt.Errorf("imagemanager: formatting %s ext4: %w", path, err)
	}
	_ = fs

	m.cfg.Logger.Infof("imagemanager: created %s (%d bytes, ext4)", path, size)
	return nil
}

// checkSpace rejects image creation before it writes anything if the
// backing filesystem can't hold it.
func (m *Manager) checkSpace(path string, size int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(parentDir(path), &st); err != nil {
		return fmt.Errorf("imagemanager: statfs %s: %w", path, err)
	}
	available := int64(st.Bavail) * int64(st.Bsize)
	if available < size {
		return &InsufficientSpace{Path: path, Needed: size, Available: available}
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return "."
}

// FsckImage runs a best-effort fsck.ext4 against an unmounted image,
// per spec.md §4.4: failures are logged, never fatal, since a cautious
// fsck pass that can't run shouldn't block a switch that would otherwise
// succeed.
func (m *Manager) FsckImage(path string) {
	_, err := m.cfg.Runner.Run("fsck.ext4", "-p", "-f", path)
	if err != nil {
		m.cfg.Logger.Warnf("imagemanager: fsck.ext4 %s: %v", path, err)
	}
}

// Attach binds path to a free loop device and returns its path
// (spec.md §4.4 Attach). Transient EBUSY/EAGAIN on LOOP_SET_FD is retried
// with backoff, since a concurrently-finishing detach on another loop
// number can race the free-slot lookup.
func (m *Manager) Attach(path string) (string, error) {
	backing, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("imagemanager: opening %s: %w", path, err)
	}
	defer backing.Close()

	var loopPath string
	operation := func() error {
		ctrl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("imagemanager: opening /dev/loop-control: %w", err))
		}
		defer ctrl.Close()

		num, _, errno := unix.Syscall(unix.SYS_IOCTL, ctrl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
		if errno != 0 {
			return fmt.Errorf("imagemanager: LOOP_CTL_GET_FREE: %w", errno)
		}

		candidate := fmt.Sprintf("/dev/loop%d", num)
		lf, err := os.OpenFile(candidate, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("imagemanager: opening %s: %w", candidate, err)
		}
		defer lf.Close()

		_, _, errno = unix.Syscall(unix.SYS_IOCTL, lf.Fd(), unix.LOOP_SET_FD, backing.Fd())
		if errno == unix.EBUSY || errno == unix.EAGAIN {
			return fmt.Errorf("imagemanager: %s busy: %w", candidate, errno)
		}
		if errno != 0 {
			return backoff.Permanent(fmt.Errorf("imagemanager: LOOP_SET_FD on %s: %w", candidate, errno))
		}

		loopPath = candidate
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(operation, bo); err != nil {
		return "", err
	}
	m.cfg.Logger.Debugf("imagemanager: attached %s to %s", path, loopPath)
	return loopPath, nil
}

// Detach clears the loop binding (spec.md §4.4 Detach).
func (m *Manager) Detach(loopDevice string) error {
	lf, err := os.OpenFile(loopDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("imagemanager: opening %s: %w", loopDevice, err)
	}
	defer lf.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, lf.Fd(), unix.LOOP_CLR_FD, 0)
	if errno != 0 {
		return fmt.Errorf("imagemanager: LOOP_CLR_FD on %s: %w", loopDevice, errno)
	}
	return nil
}

// MountImage fscks device, then mounts its filesystem at mountpoint,
// creating the mountpoint directory if needed (spec.md §4.4 MountImage:
// "checked with fsck before every mount").
func (m *Manager) MountImage(device, mountpoint string, readOnly bool) error {
	m.FsckImage(device)

	if err := m.cfg.Fs.MkdirAll(mountpoint, constants.DirPerm); err != nil {
		return err
	}
	opts := []string{}
	if readOnly {
		opts = append(opts, "ro")
	}
	return m.cfg.Mounter.Mount(device, mountpoint, "ext4", opts)
}

// Unmount unmounts mountpoint (spec.md §4.4 Unmount). It tolerates the
// target already being unmounted.
func (m *Manager) Unmount(mountpoint string) error {
	notMounted, err := m.cfg.Mounter.IsLikelyNotMountPoint(mountpoint)
	if err == nil && notMounted {
		return nil
	}
	return m.cfg.Mounter.Unmount(mountpoint)
}
