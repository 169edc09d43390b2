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

package types

import (
	"io"
	"io/fs"
	"os"

	"github.com/twpayne/go-vfs/v4"
)

// GoVFS adapts github.com/twpayne/go-vfs/v4 to the FS interface. Production
// code constructs it over vfs.OSFS; tests construct it over a vfst tree
// rooted in a temporary directory, so tests never touch the host's real
// paths.
type GoVFS struct {
	fsys vfs.FS
}

// NewOSFS returns an FS backed by the real operating system filesystem.
func NewOSFS() *GoVFS {
	return &GoVFS{fsys: vfs.OSFS}
}

// NewGoVFS wraps an arbitrary go-vfs FS, e.g. one built by vfst for tests.
func NewGoVFS(fsys vfs.FS) *GoVFS {
	return &GoVFS{fsys: fsys}
}

func (g *GoVFS) Open(name string) (fs.File, error) { return g.fsys.Open(name) }

func (g *GoVFS) Create(name string) (io.WriteCloser, error) {
	rawPath, err := g.fsys.RawPath(name)
	if err != nil {
		rawPath = name
	}
	return os.Create(rawPath)
}

func (g *GoVFS) ReadFile(name string) ([]byte, error) { return g.fsys.ReadFile(name) }

func (g *GoVFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	return g.fsys.WriteFile(name, data, perm)
}

func (g *GoVFS) Stat(name string) (os.FileInfo, error) { return fs.Stat(g.fsys, name) }

func (g *GoVFS) Lstat(name string) (os.FileInfo, error) { return g.fsys.Lstat(name) }

func (g *GoVFS) Mkdir(name string, perm os.FileMode) error { return g.fsys.Mkdir(name, perm) }

func (g *GoVFS) MkdirAll(name string, perm os.FileMode) error {
	return vfs.MkdirAll(g.fsys, name, perm)
}

func (g *GoVFS) Remove(name string) error { return g.fsys.Remove(name) }

func (g *GoVFS) RemoveAll(name string) error { return g.fsys.RemoveAll(name) }

func (g *GoVFS) Rename(oldname, newname string) error { return g.fsys.Rename(oldname, newname) }

func (g *GoVFS) Chmod(name string, mode os.FileMode) error { return g.fsys.Chmod(name, mode) }

func (g *GoVFS) Chown(name string, uid, gid int) error { return g.fsys.Chown(name, uid, gid) }

func (g *GoVFS) Symlink(oldname, newname string) error { return g.fsys.Symlink(oldname, newname) }

func (g *GoVFS) Readlink(name string) (string, error) { return g.fsys.Readlink(name) }

func (g *GoVFS) ReadDir(name string) ([]os.DirEntry, error) { return g.fsys.ReadDir(name) }
