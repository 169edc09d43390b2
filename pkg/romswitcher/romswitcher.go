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

// Package romswitcher implements RomSwitcher (spec.md §4.8): checksum
// gated flashing of a ROM's boot image and allowlisted auxiliary
// partitions onto the device's real block devices.
package romswitcher

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// Outcome is the result of Switch.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	ChecksumInvalid
	ChecksumNotFound
)

// Switcher drives the checksum-gated flash algorithm.
type Switcher struct {
	cfg   types.Config
	store *checksum.Store
}

// New returns a Switcher backed by the given checksum store.
func New(cfg types.Config, store *checksum.Store) *Switcher {
	return &Switcher{cfg: cfg, store: store}
}

// flashable is one in-memory image read from disk, paired with its
// target block device.
type flashable struct {
	name   string // basename, used as the ChecksumStore key component
	device string
	data   []byte
}

// enumerate collects the ROM's boot.img plus any allowlisted auxiliary
// backup image whose matching block device exists (spec.md §4.8
// Algorithm step 1).
func (s *Switcher) enumerate(r *rom.Rom, bootDevice string, searchDirs []string) ([]flashable, error) {
	bootData, err := s.cfg.Fs.ReadFile(r.BootImagePath())
	if err != nil {
		return nil, fmt.Errorf("romswitcher: reading %s: %w", r.BootImagePath(), err)
	}
	out := []flashable{{name: "boot.img", device: bootDevice, data: bootData}}

	backupDir := filepath.Join(constants.BackupsDir, r.ID)
	entries, err := s.cfg.Fs.ReadDir(backupDir)
	if err != nil {
		return out, nil
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".img" {
			continue
		}
		base := name[:len(name)-len(".img")]
		if !contains(constants.AuxFlashableAllowlist, base) {
			continue
		}
		device := findBlockDevice(s.cfg, base, searchDirs)
		if device == "" {
			continue
		}
		data, err := s.cfg.Fs.ReadFile(filepath.Join(backupDir, name))
		if err != nil {
			s.cfg.Logger.Warnf("romswitcher: reading %s: %v", name, err)
			continue
		}
		out = append(out, flashable{name: name, device: device, data: data})
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func findBlockDevice(cfg types.Config, name string, searchDirs []string) string {
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, name)
		if _, err := cfg.Fs.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Switch implements the full gated-flash algorithm (spec.md §4.8
// Algorithm).
func (s *Switcher) Switch(r *rom.Rom, bootDevice string, searchDirs []string, forceUpdateChecksums bool) Outcome {
	flashables, err := s.enumerate(r, bootDevice, searchDirs)
	if err != nil {
		s.cfg.Logger.Errorf("romswitcher: enumerate: %v", err)
		return Failed
	}

	anyNotFound := false
	for _, f := range flashables {
		digest := sha512Hex(f.data)
		rec := s.store.Get(r.ID, f.name)

		switch {
		case forceUpdateChecksums:
			s.store.Put(r.ID, f.name, digest)
		case rec.State == checksum.Malformed:
			return ChecksumInvalid
		case rec.State == checksum.Found && rec.Digest == digest:
			// accept
		case rec.State == checksum.Found:
			return ChecksumInvalid
		case rec.State == checksum.NotFound:
			anyNotFound = true
		}
	}

	if anyNotFound && !forceUpdateChecksums {
		return ChecksumNotFound
	}

	for _, f := range flashables {
		if err := s.cfg.Fs.WriteFile(f.device, f.data, 0); err != nil {
			s.cfg.Logger.Errorf("romswitcher: writing %s: %v", f.device, err)
			return Failed
		}
	}

	if err := s.store.Save(); err != nil {
		s.cfg.Logger.Errorf("romswitcher: saving checksum store: %v", err)
		return Failed
	}
	return Succeeded
}

// SetKernel is the lighter variant that only touches the boot partition
// and always updates its stored checksum (spec.md §4.8 set_kernel).
func (s *Switcher) SetKernel(r *rom.Rom, bootDevice string) bool {
	data, err := s.cfg.Fs.ReadFile(r.BootImagePath())
	if err != nil {
		s.cfg.Logger.Errorf("romswitcher: reading %s: %v", r.BootImagePath(), err)
		return false
	}
	if err := s.cfg.Fs.WriteFile(bootDevice, data, 0); err != nil {
		s.cfg.Logger.Errorf("romswitcher: writing %s: %v", bootDevice, err)
		return false
	}
	s.store.Put(r.ID, "boot.img", sha512Hex(data))
	if err := s.store.Save(); err != nil {
		s.cfg.Logger.Errorf("romswitcher: saving checksum store: %v", err)
		return false
	}
	return true
}

func sha512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}
