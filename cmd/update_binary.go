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
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/installer"
)

// recoveryHooks drives one batch install with no UI: GetInstallType
// always targets the primary ROM, since this subcommand only runs when
// recovery flashes this tool's own OTA package onto the factory
// partitions, and every other on_* hook is notification-only, written as
// ui_print lines back to recovery's command pipe (spec.md §4.9 Hooks).
type recoveryHooks struct {
	out *os.File
}

func (h recoveryHooks) uiPrint(format string, args ...interface{}) {
	fmt.Fprintf(h.out, "ui_print %s\n", fmt.Sprintf(format, args...))
}

func (h recoveryHooks) OnPreInstall() bool {
	h.uiPrint("Starting multiboot install...")
	return true
}

func (h recoveryHooks) OnPostInstall(succeeded bool) bool {
	if succeeded {
		h.uiPrint("Install complete.")
	} else {
		h.uiPrint("Install failed.")
	}
	return true
}

func (h recoveryHooks) OnStage(stage string, result installer.StepResult) {
	if result == installer.Fail {
		h.uiPrint("Stage %s failed", stage)
	}
}

func (h recoveryHooks) GetInstallType() (string, bool) {
	return constants.PrimaryID, false
}

// updateBinaryCmd implements the Android recovery updater-binary contract:
// argv[1] is the interface version, argv[2] the output pipe fd, argv[3]
// the OTA zip's own path (spec.md "inside the recovery environment as an
// OTA/update update-binary").
var updateBinaryCmd = &cobra.Command{
	Use:    "update-binary <interface-version> <output-fd> <zip-path>",
	Short:  "Run the installer as the OTA zip's update-binary",
	Args:   cobra.ExactArgs(3),
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("invalid interface version %q: %w", args[0], err)
		}
		outFd, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid output fd %q: %w", args[1], err)
		}
		zipPath := args[2]

		out := os.NewFile(uintptr(outFd), "recovery-output")
		if out == nil {
			return fmt.Errorf("opening output fd %d", outFd)
		}
		defer out.Close()

		trustKey, err := resolveTrustKey()
		if err != nil {
			return err
		}

		cfg := buildConfig()
		in := installer.New(cfg, recoveryHooks{out: out}, trustKey, cfgSandboxDir)

		switch in.Run(zipPath) {
		case installer.InstallSucceeded:
			return nil
		case installer.InstallCancelled:
			return fmt.Errorf("install cancelled")
		default:
			return fmt.Errorf("install failed")
		}
	},
}
