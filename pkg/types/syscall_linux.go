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

package types

import (
	"golang.org/x/sys/unix"
)

// UnixSyscall implements SyscallInterface over golang.org/x/sys/unix,
// the production backend for ChrootBuilder/ImageManager.
type UnixSyscall struct{}

func NewSyscall() *UnixSyscall { return &UnixSyscall{} }

func (u *UnixSyscall) Chroot(path string) error { return unix.Chroot(path) }

func (u *UnixSyscall) Chdir(path string) error { return unix.Chdir(path) }

func (u *UnixSyscall) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (u *UnixSyscall) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (u *UnixSyscall) Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}

func (u *UnixSyscall) Unshare(flags int) error { return unix.Unshare(flags) }
