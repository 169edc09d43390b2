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

package installer

import (
	"encoding/json"
	"fmt"

	"github.com/chenxiaolong/multibootd/pkg/types"
)

// DeviceDefinition is the per-device JSON descriptor the installer reads
// out of the OTA zip (spec.md §4.9 CheckDevice). Loading this JSON is
// explicitly out of scope for the rest of the system (spec.md §1
// Non-goals: "device-definition JSON loading"), but the Installer itself
// is the one component that must parse it to find the device's block
// devices, so it does so here with the standard library: no pack
// dependency offers anything narrower than a general config loader for a
// one-off, externally-defined schema (see DESIGN.md).
type DeviceDefinition struct {
	Codenames []string          `json:"codenames"`
	Boot      []string          `json:"boot_block_devs"`
	Recovery  []string          `json:"recovery_block_devs"`
	System    []string          `json:"system_block_devs"`
	Extra     map[string]string `json:"extra_block_devs"`
	Vendor    string            `json:"vendor"`
}

// LoadDeviceDefinition parses a device definition JSON file.
func LoadDeviceDefinition(cfg types.Config, path string) (*DeviceDefinition, error) {
	data, err := cfg.Fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("installer: reading device definition: %w", err)
	}
	var def DeviceDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("installer: parsing device definition: %w", err)
	}
	return &def, nil
}

// MatchesCodename reports whether codename appears in the definition's
// codename list (spec.md §4.9 CheckDevice).
func (d *DeviceDefinition) MatchesCodename(codename string) bool {
	for _, c := range d.Codenames {
		if c == codename {
			return true
		}
	}
	return false
}

// firstExisting resolves the first path in candidates that exists on the
// host filesystem, or "" if none do (spec.md §4.9 CheckDevice: "Resolve
// the first existing path in each of the definition's ... device lists").
func firstExisting(cfg types.Config, candidates []string) string {
	for _, c := range candidates {
		if _, err := cfg.Fs.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
