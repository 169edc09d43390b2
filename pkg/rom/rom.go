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

// Package rom implements the Rom data model (spec.md §3): identity and
// storage layout of one bootable installation, enumerated from on-disk
// markers rather than mutated in place.
package rom

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/magiconair/properties"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// Source identifies where a ROM's system/cache/data storage lives.
type Source int

const (
	SystemPartition Source = iota
	CachePartition
	DataPartition
	ExternalSd
)

func (s Source) String() string {
	switch s {
	case SystemPartition:
		return "system"
	case CachePartition:
		return "cache"
	case DataPartition:
		return "data"
	case ExternalSd:
		return "external-sd"
	default:
		return "unknown"
	}
}

// Storage describes one of a ROM's system/cache/data targets.
type Storage struct {
	Source  Source
	Path    string
	IsImage bool
}

// FullPath joins the source's live mountpoint with the relative path.
func (s Storage) FullPath(mountpoints map[Source]string) string {
	return filepath.Join(mountpoints[s.Source], s.Path)
}

// Rom is one bootable installation (spec.md §3 Rom).
type Rom struct {
	ID     string
	System Storage
	Cache  Storage
	Data   Storage
}

// ErrInvalidID is returned by ValidateID (and so by Validate and
// NewSecondaryRom) for a malformed id.
var ErrInvalidID = fmt.Errorf("rom id must be non-empty, contain no '/', and not be '.' or '..'")

// ValidateID enforces the id invariant from spec.md §3.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.Contains(id, "/") {
		return ErrInvalidID
	}
	return nil
}

// IsPrimary reports whether this is the one reserved primary ROM.
func (r *Rom) IsPrimary() bool { return r.ID == constants.PrimaryID }

// Validate enforces: valid id, and a primary ROM is never image-backed and
// always targets the real partitions.
func (r *Rom) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if r.IsPrimary() {
		if r.System.IsImage || r.Cache.IsImage || r.Data.IsImage {
			return fmt.Errorf("primary rom %q must not be image-backed", r.ID)
		}
		if r.System.Source != SystemPartition || r.Cache.Source != CachePartition || r.Data.Source != DataPartition {
			return fmt.Errorf("primary rom %q must target the real partitions", r.ID)
		}
	}
	return nil
}

// BootImagePath is the backup path of the per-ROM boot image under the
// shared multiboot directory.
func (r *Rom) BootImagePath() string {
	return filepath.Join(constants.DataRoot, r.ID, "boot.img")
}

// ConfigPath is where the ROM's cached ro.build.* properties live.
func (r *Rom) ConfigPath() string {
	return filepath.Join(constants.DataRoot, r.ID, "config.prop")
}

// ThumbnailPath is the ROM's boot-picker thumbnail.
func (r *Rom) ThumbnailPath() string {
	return filepath.Join(constants.DataRoot, r.ID, "thumbnail.png")
}

// NewSecondaryRom builds a secondary ROM whose storage is a directory or
// image under the data partition, named after the id.
func NewSecondaryRom(id string, imageBacked bool) (*Rom, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if id == constants.PrimaryID {
		return nil, fmt.Errorf("%q is reserved for the primary rom", id)
	}
	mk := func(name string) Storage {
		p := filepath.Join("multiboot", id, name)
		if imageBacked {
			p += ".img"
		}
		return Storage{Source: DataPartition, Path: p, IsImage: imageBacked}
	}
	r := &Rom{
		ID:     id,
		System: mk("system"),
		Cache:  mk("cache"),
		Data:   mk("data"),
	}
	return r, r.Validate()
}

// NewPrimaryRom builds the one ROM that targets the factory partitions.
func NewPrimaryRom() *Rom {
	return &Rom{
		ID:     constants.PrimaryID,
		System: Storage{Source: SystemPartition},
		Cache:  Storage{Source: CachePartition},
		Data:   Storage{Source: DataPartition},
	}
}

// Config holds the cached ro.build.* properties shown in the boot picker
// (supplemented from original_source/mbbootui/infomanager.cpp).
type Config struct {
	Version string
	Build   string
	Name    string
}

// LoadConfig reads a ROM's cached config.prop via magiconair/properties,
// the same dependency pkg/checksum uses for its flat key=value store.
func LoadConfig(cfg types.Config, r *Rom) (*Config, error) {
	data, err := cfg.Fs.ReadFile(r.ConfigPath())
	if err != nil {
		return nil, err
	}
	p, err := properties.LoadString(string(data))
	if err != nil {
		return nil, err
	}
	return &Config{
		Version: p.GetString("ro.build.version.release", ""),
		Build:   p.GetString("ro.build.display.id", ""),
		Name:    p.GetString("ro.product.name", ""),
	}, nil
}

// SaveConfig persists the ROM's cached properties.
func SaveConfig(cfg types.Config, r *Rom, c *Config) error {
	p := properties.NewProperties()
	_, _, err := p.Set("ro.build.version.release", c.Version)
	if err != nil {
		return err
	}
	_, _, err = p.Set("ro.build.display.id", c.Build)
	if err != nil {
		return err
	}
	_, _, err = p.Set("ro.product.name", c.Name)
	if err != nil {
		return err
	}
	if err := cfg.Fs.MkdirAll(filepath.Dir(r.ConfigPath()), constants.DirPerm); err != nil {
		return err
	}
	return cfg.Fs.WriteFile(r.ConfigPath(), []byte(p.String()), constants.FilePerm)
}

// Enumerate lists every ROM installed on the device: the primary ROM
// always exists, plus every directory under DataRoot (spec.md §3
// Lifecycle: "enumerated at runtime from on-disk markers"). A directory
// counts as an installed ROM only when it holds a config.prop; system
// images and build.prop are not checked, and every secondary ROM found
// is built as image-backed.
func Enumerate(cfg types.Config) ([]*Rom, error) {
	roms := []*Rom{NewPrimaryRom()}

	entries, err := cfg.Fs.ReadDir(constants.DataRoot)
	if err != nil {
		// No multiboot directory yet means only the primary ROM exists.
		return roms, nil
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if id == constants.PrimaryID {
			continue
		}
		if err := ValidateID(id); err != nil {
			cfg.Logger.Warnf("skipping malformed rom directory %q: %v", id, err)
			continue
		}
		marker := filepath.Join(constants.DataRoot, id, "config.prop")
		if _, statErr := cfg.Fs.Stat(marker); statErr != nil {
			continue
		}
		r, buildErr := NewSecondaryRom(id, true)
		if buildErr != nil {
			cfg.Logger.Warnf("skipping invalid rom %q: %v", id, buildErr)
			continue
		}
		roms = append(roms, r)
	}
	return roms, nil
}
