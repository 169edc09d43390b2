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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/romswitcher"
)

// bootuiDevice is the boot partition bootui flashes the selected ROM's
// kernel/ramdisk onto before handing off to the real reboot. It is a
// flag rather than a device-definition lookup because bootui never runs
// inside the chroot sandbox that resolves one the way the installer does.
var bootuiDevice string
var bootuiForce bool

var bootuiCmd = &cobra.Command{
	Use:   "bootui [rom-id]",
	Short: "List installed ROMs, or switch the boot image to one of them",
	Long: "bootui is the thin, non-graphical core of the recovery-replacement " +
		"boot picker: listing ROMs and flashing the chosen one is all that's " +
		"in scope here, the actual screen is out of scope.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()

		roms, err := rom.Enumerate(cfg)
		if err != nil {
			return fmt.Errorf("enumerating roms: %w", err)
		}

		if len(args) == 0 {
			for _, r := range roms {
				fmt.Printf("%s\tprimary=%v\timage=%v\n", r.ID, r.IsPrimary(), r.System.IsImage)
			}
			return nil
		}

		target := args[0]
		var chosen *rom.Rom
		for _, r := range roms {
			if r.ID == target {
				chosen = r
				break
			}
		}
		if chosen == nil {
			return fmt.Errorf("no such rom %q", target)
		}

		store := checksum.New(cfg)
		if err := store.Load(); err != nil {
			cfg.Logger.Warnf("bootui: loading checksum store: %v", err)
		}
		switcher := romswitcher.New(cfg, store)

		outcome := switcher.Switch(chosen, bootuiDevice, nil, bootuiForce)
		switch outcome {
		case romswitcher.Succeeded:
			fmt.Printf("switched to %s\n", chosen.ID)
			return nil
		case romswitcher.ChecksumNotFound:
			return fmt.Errorf("switch to %s: no recorded checksum, pass --force to flash anyway", chosen.ID)
		case romswitcher.ChecksumInvalid:
			return fmt.Errorf("switch to %s: on-disk boot image doesn't match the last known checksum", chosen.ID)
		default:
			return fmt.Errorf("switch to %s: failed", chosen.ID)
		}
	},
}

func init() {
	bootuiCmd.Flags().StringVar(&bootuiDevice, "boot-device", "/dev/block/boot", "boot partition block device")
	bootuiCmd.Flags().BoolVar(&bootuiForce, "force", false, "flash even if the checksum store has no record for this rom")
}
