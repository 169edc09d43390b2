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

// Package chroot implements ChrootBuilder and ChrootSession (spec.md
// §4.6): a sealed mount namespace presenting a minimal but plausible
// Android environment to an unmodified OTA updater.
//
// The unshare/mount/mknod/chroot sequence is grounded on the retrieved
// boot-to-talos installer's MountBind/MountBindRecursive helpers; the
// teardown sweep additionally reaches for github.com/moby/sys/mountinfo
// to enumerate the namespace's mount table.
package chroot

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// DeviceSpec describes the host block devices a session needs reachable
// inside the chroot (spec.md §4.6 Block-device remapping).
type DeviceSpec struct {
	Boot      string
	Recovery  string // optional, absence tolerated
	System    string
	Extra     map[string]string // name -> host path, e.g. "modem" -> /dev/block/bootdevice/.../modem
	IsSamsung bool
}

// mountRecord is one entry of the teardown stack, in the order mounts
// were made so Teardown can reverse it (spec.md §4.6 Teardown invariants).
type mountRecord struct {
	target string
}

// Session is a live chroot environment.
type Session struct {
	cfg         types.Config
	Root        string
	mounts      []mountRecord
	loopDevices []string
	entered     bool
}

// Builder constructs Sessions.
type Builder struct {
	cfg types.Config
}

// New returns a Builder bound to cfg.
func New(cfg types.Config) *Builder {
	return &Builder{cfg: cfg}
}

type devNode struct {
	name  string
	mode  uint32
	major uint32
	minor uint32
}

// standardDevNodes are the /dev entries spec.md §4.6 requires besides the
// loop block devices, with their conventional major/minor numbers.
var standardDevNodes = []devNode{
	{"console", unix.S_IFCHR | 0600, 5, 1},
	{"null", unix.S_IFCHR | 0666, 1, 3},
	{"ptmx", unix.S_IFCHR | 0666, 5, 2},
	{"random", unix.S_IFCHR | 0666, 1, 8},
	{"tty", unix.S_IFCHR | 0666, 5, 0},
	{"urandom", unix.S_IFCHR | 0666, 1, 9},
	{"zero", unix.S_IFCHR | 0666, 1, 5},
	{"loop-control", unix.S_IFCHR | 0660, 10, 237},
	{"fuse", unix.S_IFCHR | 0666, 10, 229},
}

const loopDeviceCount = 8

// Build constructs the chroot's directory tree, tmpfs mounts and device
// nodes (spec.md §4.6 Layout), but does not yet chroot into it — that is
// Session.Enter's job, run from the thread that will remain inside.
func (b *Builder) Build(dev DeviceSpec, systemLoopDevice string) (*Session, error) {
	s := &Session{cfg: b.cfg, Root: constants.ChrootRoot}

	if err := b.cfg.Fs.MkdirAll(s.Root, 0700); err != nil {
		return nil, fmt.Errorf("chroot: creating root: %w", err)
	}
	if err := b.mountTmpfs(s, s.Root, "mode=0700"); err != nil {
		return nil, err
	}

	dirs := []string{
		"mb", "dev", "dev/block", "dev/input", "dev/graphics", "dev/pts",
		"proc", "sys", "tmp", "sbin", "system", "cache", "data", "efs",
	}
	for _, d := range dirs {
		if err := b.cfg.Fs.MkdirAll(path(s, d), constants.DirPerm); err != nil {
			return nil, fmt.Errorf("chroot: mkdir %s: %w", d, err)
		}
	}

	if err := b.mountTmpfs(s, path(s, "mb"), "mode=0755"); err != nil {
		return nil, err
	}
	if err := b.mountTmpfs(s, path(s, "dev"), "mode=0755"); err != nil {
		return nil, err
	}
	if err := b.mountTmpfs(s, path(s, "tmp"), "mode=0755"); err != nil {
		return nil, err
	}
	if err := b.mountTmpfs(s, path(s, "sbin"), "mode=0755"); err != nil {
		return nil, err
	}

	if err := b.cfg.Syscall.Mount("devpts", path(s, "dev/pts"), "devpts", 0, ""); err != nil {
		return nil, fmt.Errorf("chroot: mounting devpts: %w", err)
	}
	s.record(path(s, "dev/pts"))

	if err := b.cfg.Syscall.Mount("proc", path(s, "proc"), "proc", 0, ""); err != nil {
		return nil, fmt.Errorf("chroot: mounting proc: %w", err)
	}
	s.record(path(s, "proc"))

	if err := b.cfg.Syscall.Mount("sysfs", path(s, "sys"), "sysfs", 0, ""); err != nil {
		return nil, fmt.Errorf("chroot: mounting sysfs: %w", err)
	}
	s.record(path(s, "sys"))

	if err := b.mountSelinuxfs(s); err != nil {
		b.cfg.Logger.Warnf("chroot: selinuxfs unavailable: %v", err)
	}

	for _, n := range standardDevNodes {
		target := path(s, "dev/"+n.name)
		devt := int(unix.Mkdev(n.major, n.minor))
		if err := b.cfg.Syscall.Mknod(target, n.mode, devt); err != nil {
			return nil, fmt.Errorf("chroot: mknod %s: %w", target, err)
		}
	}

	if err := b.bindCopy(path(s, "dev/input")); err != nil {
		b.cfg.Logger.Warnf("chroot: copying /dev/input: %v", err)
	}
	if err := b.bindCopy(path(s, "dev/graphics")); err != nil {
		b.cfg.Logger.Warnf("chroot: copying /dev/graphics: %v", err)
	}

	if err := b.setUpBlockDevices(s, dev, systemLoopDevice); err != nil {
		return nil, err
	}

	if err := b.copySbin(s); err != nil {
		return nil, err
	}

	if dev.IsSamsung {
		if err := b.cfg.Syscall.Mount("/efs", path(s, "efs"), "", unix.MS_BIND, ""); err != nil {
			b.cfg.Logger.Warnf("chroot: bind-mounting /efs: %v", err)
		} else {
			s.record(path(s, "efs"))
			_ = b.cfg.Syscall.Mount("", path(s, "efs"), "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, "")
		}
	}

	return s, nil
}

func path(s *Session, rel string) string { return filepath.Join(s.Root, rel) }

func (b *Builder) mountTmpfs(s *Session, target, opts string) error {
	if err := b.cfg.Syscall.Mount("tmpfs", target, "tmpfs", 0, opts); err != nil {
		return fmt.Errorf("chroot: mounting tmpfs at %s: %w", target, err)
	}
	s.record(target)
	return nil
}

func (b *Builder) mountSelinuxfs(s *Session) error {
	target := path(s, "sys/fs/selinux")
	if err := b.cfg.Fs.MkdirAll(target, constants.DirPerm); err != nil {
		return err
	}
	if err := b.cfg.Syscall.Mount("selinuxfs", target, "selinuxfs", 0, ""); err != nil {
		return err
	}
	s.record(target)
	return nil
}

// bindCopy recursively bind-mounts the host's equivalent of the chroot
// path into it (spec.md: /dev/input and /dev/graphics are "a copy of
// host"). Absence on the host is not fatal.
func (b *Builder) bindCopy(chrootPath string) error {
	rel, err := filepath.Rel(constants.ChrootRoot, chrootPath)
	if err != nil {
		return err
	}
	hostPath := "/" + rel
	if err := b.cfg.Fs.MkdirAll(chrootPath, constants.DirPerm); err != nil {
		return err
	}
	if _, err := b.cfg.Fs.Stat(hostPath); err != nil {
		return nil
	}
	return b.cfg.Syscall.Mount(hostPath, chrootPath, "", unix.MS_BIND|unix.MS_REC, "")
}

// setUpBlockDevices wires /dev/block/loop0..7 and the remapped system
// symlink described in spec.md §4.6 Block-device remapping: the host's
// real system device is replaced by a symlink to a private loop device,
// while boot/recovery/extras are copied by hand so the updater can reach
// them without touching the host partition table.
func (b *Builder) setUpBlockDevices(s *Session, dev DeviceSpec, systemLoopDevice string) error {
	blockDir := path(s, "dev/block")
	for i := 0; i < loopDeviceCount; i++ {
		target := filepath.Join(blockDir, fmt.Sprintf("loop%d", i))
		devt := int(unix.Mkdev(7, uint32(i)))
		if err := b.cfg.Syscall.Mknod(target, unix.S_IFBLK|0660, devt); err != nil {
			return fmt.Errorf("chroot: mknod %s: %w", target, err)
		}
	}

	symlink := filepath.Join(blockDir, filepath.Base(dev.System))
	if err := b.cfg.Fs.Symlink(systemLoopDevice, symlink); err != nil {
		return fmt.Errorf("chroot: symlinking system device: %w", err)
	}

	if err := b.copyBlockDevice(blockDir, dev.Boot); err != nil {
		return fmt.Errorf("chroot: copying boot device: %w", err)
	}
	if dev.Recovery != "" {
		if err := b.copyBlockDevice(blockDir, dev.Recovery); err != nil {
			b.cfg.Logger.Warnf("chroot: copying recovery device: %v", err)
		}
	}
	for name, hostPath := range dev.Extra {
		if err := b.copyBlockDevice(blockDir, hostPath); err != nil {
			b.cfg.Logger.Warnf("chroot: copying extra device %s: %v", name, err)
		}
	}
	return nil
}

func (b *Builder) copyBlockDevice(blockDir, hostPath string) error {
	if hostPath == "" {
		return nil
	}
	st, err := b.cfg.Fs.Stat(hostPath)
	if err != nil {
		return err
	}
	data, err := b.cfg.Fs.ReadFile(hostPath)
	if err != nil {
		return err
	}
	target := filepath.Join(blockDir, filepath.Base(hostPath))
	return b.cfg.Fs.WriteFile(target, data, st.Mode().Perm())
}

// copySbin copies the host's /sbin into the chroot, minus the reboot
// binary (spec.md §4.6 Layout, "/sbin").
func (b *Builder) copySbin(s *Session) error {
	entries, err := b.cfg.Fs.ReadDir("/sbin")
	if err != nil {
		return fmt.Errorf("chroot: reading host /sbin: %w", err)
	}
	for _, e := range entries {
		if e.Name() == "reboot" {
			continue
		}
		data, err := b.cfg.Fs.ReadFile(filepath.Join("/sbin", e.Name()))
		if err != nil {
			b.cfg.Logger.Warnf("chroot: copying /sbin/%s: %v", e.Name(), err)
			continue
		}
		info, _ := e.Info()
		mode := constants.FilePerm
		if info != nil {
			mode = info.Mode().Perm()
		}
		if err := b.cfg.Fs.WriteFile(path(s, "sbin/"+e.Name()), data, mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) record(target string) {
	s.mounts = append(s.mounts, mountRecord{target: target})
}

// Enter unshares the mount namespace, marks the host root private+rec so
// mount events don't propagate, then chroots and chdirs into the session
// root (spec.md §4.6 Chroot entry protocol). Must run on the thread that
// will remain inside the chroot for the session's lifetime.
func (s *Session) Enter() error {
	if s.entered {
		return fmt.Errorf("chroot: session already entered")
	}
	if err := s.cfg.Syscall.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("chroot: unshare mount namespace: %w", err)
	}
	if err := s.cfg.Syscall.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("chroot: marking host root private: %w", err)
	}
	if err := s.cfg.Syscall.Chroot(s.Root); err != nil {
		return fmt.Errorf("chroot: chroot(%s): %w", s.Root, err)
	}
	if err := s.cfg.Syscall.Chdir("/"); err != nil {
		return fmt.Errorf("chroot: chdir: %w", err)
	}
	s.entered = true
	return nil
}

// TrackLoopDevice records a loop device the session is responsible for
// force-detaching on teardown, including ones attached by the updater
// subprocess itself after entry.
func (s *Session) TrackLoopDevice(dev string) {
	s.loopDevices = append(s.loopDevices, dev)
}

// Teardown runs exactly once: force-detaches every loop device under
// /dev/block (spec.md §4.6 Teardown invariants #1), unmounts every
// recorded mount in reverse order, then deletes the chroot root.
func (s *Session) Teardown() error {
	for _, dev := range s.loopDevices {
		if err := forceDetachLoop(dev); err != nil {
			s.cfg.Logger.Warnf("chroot: detaching tracked loop device %s: %v", dev, err)
		}
	}
	s.sweepLoopDevices()

	for i := len(s.mounts) - 1; i >= 0; i-- {
		target := s.mounts[i].target
		if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
			s.cfg.Logger.Warnf("chroot: unmounting %s: %v", target, err)
		}
	}

	if err := s.cfg.Fs.RemoveAll(s.Root); err != nil {
		return fmt.Errorf("chroot: removing root: %w", err)
	}
	return nil
}

// sweepLoopDevices force-detaches every loop device reachable under the
// chroot's /dev/block, whether or not this session attached it, guarding
// against updaters that bind their own loops and leak them.
func (s *Session) sweepLoopDevices() {
	blockDir := filepath.Join(s.Root, "dev/block")
	entries, err := s.cfg.Fs.ReadDir(blockDir)
	if err != nil {
		s.cfg.Logger.Warnf("chroot: reading %s for teardown sweep: %v", blockDir, err)
		return
	}
	for _, e := range entries {
		if !isLoopName(e.Name()) {
			continue
		}
		dev := filepath.Join(blockDir, e.Name())
		if err := forceDetachLoop(dev); err != nil {
			s.cfg.Logger.Warnf("chroot: detaching %s: %v", dev, err)
		}
	}

	// moby/sys/mountinfo additionally catches loop-backed mounts the
	// sweep above can't see because they live outside /dev/block (e.g. a
	// bind mount of a loop device mounted directly by the updater).
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(s.Root))
	if err != nil {
		return
	}
	sort.Slice(mounts, func(i, j int) bool { return len(mounts[i].Mountpoint) > len(mounts[j].Mountpoint) })
	for _, m := range mounts {
		if err := unix.Unmount(m.Mountpoint, unix.MNT_DETACH); err != nil {
			s.cfg.Logger.Warnf("chroot: unmounting leaked mount %s: %v", m.Mountpoint, err)
		}
	}
}

func isLoopName(name string) bool {
	if len(name) < 5 || name[:4] != "loop" {
		return false
	}
	for _, r := range name[4:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func forceDetachLoop(dev string) error {
	f, err := unix.Open(dev, unix.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer unix.Close(f)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f), unix.LOOP_CLR_FD, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
