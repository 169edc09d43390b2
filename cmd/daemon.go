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
	"golang.org/x/sys/unix"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/daemon"
	"github.com/chenxiaolong/multibootd/pkg/romswitcher"
	"github.com/chenxiaolong/multibootd/pkg/signedexec"
)

// power invokes the kernel reboot syscall directly, the same call
// imagemanager/chroot already reach x/sys/unix for elsewhere in this
// package's dependency graph.
func power(reason string, reboot bool) error {
	cmdArg := unix.LINUX_REBOOT_CMD_POWER_OFF
	if reboot {
		cmdArg = unix.LINUX_REBOOT_CMD_RESTART
	}
	return unix.Reboot(cmdArg)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the multiboot RPC daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := buildConfig()

		store := checksum.New(cfg)
		if err := store.Load(); err != nil {
			cfg.Logger.Warnf("daemon: loading checksum store: %v", err)
		}
		switcher := romswitcher.New(cfg, store)

		trustKey, err := resolveTrustKey()
		if err != nil {
			return err
		}
		verifier := signedexec.New(cfg, trustKey, cfgSandboxDir)

		srv := daemon.NewServer(cfg, store, switcher, verifier, power)

		ln, err := daemon.Listen(constants.DaemonSocketName)
		if err != nil {
			return fmt.Errorf("binding daemon socket: %w", err)
		}
		defer ln.Close()

		cfg.Logger.Infof("daemon: listening on abstract socket %q", constants.DaemonSocketName)
		return srv.Serve(ln)
	},
}
