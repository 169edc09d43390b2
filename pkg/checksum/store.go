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

// Package checksum implements ChecksumStore (spec.md §4.3): the
// persisted sha512 digest record that gates RomSwitcher.
package checksum

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/magiconair/properties"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// State is the tri-state result of Get.
type State int

const (
	NotFound State = iota
	Found
	Malformed
)

// Record is one lookup result.
type Record struct {
	State  State
	Digest string // hex, only meaningful when State == Found
}

// Store is the in-memory mirror of the on-disk properties file, keyed by
// "rom_id/basename" (spec.md §4.3).
type Store struct {
	cfg  types.Config
	path string
	data map[string]string
}

// New returns a Store backed by the given config, reading from the
// default ChecksumsFile path.
func New(cfg types.Config) *Store {
	return &Store{cfg: cfg, path: constants.ChecksumsFile, data: map[string]string{}}
}

// NewAt returns a Store backed by an explicit path, used by tests.
func NewAt(cfg types.Config, path string) *Store {
	return &Store{cfg: cfg, path: path, data: map[string]string{}}
}

func key(romID, file string) string {
	return romID + "/" + filepath.Base(file)
}

// Load reads the on-disk properties file. A missing file is equivalent to
// an empty store (spec.md §6).
func (s *Store) Load() error {
	raw, err := s.cfg.Fs.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = map[string]string{}
			return nil
		}
		return err
	}
	p, err := properties.LoadString(string(raw))
	if err != nil {
		return fmt.Errorf("checksum: parsing %s: %w", s.path, err)
	}
	data := map[string]string{}
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		data[k] = v
	}
	s.data = data
	return nil
}

// Get looks up (rom_id, file), returning the tri-state result described
// in spec.md §4.3: a recognised key whose value lacks the "sha512:"
// prefix, or whose hex length isn't 128, is Malformed.
func (s *Store) Get(romID, file string) Record {
	v, ok := s.data[key(romID, file)]
	if !ok {
		return Record{State: NotFound}
	}
	if !strings.HasPrefix(v, constants.ChecksumAlgo+":") {
		return Record{State: Malformed}
	}
	digest := strings.TrimPrefix(v, constants.ChecksumAlgo+":")
	if len(digest) != constants.ChecksumHexLen {
		return Record{State: Malformed}
	}
	return Record{State: Found, Digest: digest}
}

// Put stores a freshly computed digest for (rom_id, file).
func (s *Store) Put(romID, file, digestHex string) {
	s.data[key(romID, file)] = fmt.Sprintf("%s:%s", constants.ChecksumAlgo, digestHex)
}

// Save replaces the file atomically: write a new copy, fsync, rename
// (spec.md §4.3). File mode is 0700.
func (s *Store) Save() error {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("# multibootd checksum store, do not edit by hand\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, s.data[k])
	}

	dir := filepath.Dir(s.path)
	if err := s.cfg.Fs.MkdirAll(dir, constants.DirPerm); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := s.cfg.Fs.WriteFile(tmpPath, []byte(sb.String()), 0700); err != nil {
		return err
	}

	if f, err := s.cfg.Fs.Open(tmpPath); err == nil {
		if syncer, ok := f.(interface{ Sync() error }); ok {
			_ = syncer.Sync()
		}
		_ = f.Close()
	}

	if err := s.cfg.Fs.Chmod(tmpPath, 0700); err != nil {
		s.cfg.Logger.Warnf("checksum: failed setting mode on %s: %v", tmpPath, err)
	}
	if err := s.cfg.Fs.Rename(tmpPath, s.path); err != nil {
		return err
	}
	return nil
}
