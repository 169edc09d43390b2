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

// Package installer implements the top-level Installer state machine
// (spec.md §4.9): drives an install from OTA zip to committed ROM,
// owning a ChrootBuilder for setup/teardown and calling out to
// ImageManager, UpdaterRunner, BootImageCodec/CpioCodec, ChecksumStore
// and RomSwitcher in turn.
package installer

import (
	"crypto/ed25519"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/chroot"
	"github.com/chenxiaolong/multibootd/pkg/imagemanager"
	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/romswitcher"
	"github.com/chenxiaolong/multibootd/pkg/signedexec"
	"github.com/chenxiaolong/multibootd/pkg/types"
	"github.com/chenxiaolong/multibootd/pkg/updater"
)

// StepResult is what each state returns (spec.md §4.9).
type StepResult int

const (
	Continue StepResult = iota
	Fail
	Cancel
)

// Outcome is the installer's final result.
type Outcome int

const (
	InstallSucceeded Outcome = iota
	InstallFailed
	InstallCancelled
)

// CancelSentinel is the ROM id Hooks.GetInstallType returns to signal the
// user backed out (spec.md §4.9 GetInstallType).
const CancelSentinel = "cancelled"

// Hooks lets a caller intercept the installer between stages. Only
// OnPreInstall and OnPostInstall may veto continuation (spec.md §4.9);
// OnStage is notification-only, covering every other named on_* hook the
// source exposes per stage.
type Hooks interface {
	OnPreInstall() bool
	OnPostInstall(succeeded bool) bool
	OnStage(stage string, result StepResult)
	GetInstallType() (romID string, imageBacked bool)
}

// NoopHooks is a Hooks that never vetoes and picks a fixed ROM id, useful
// as an embeddable default for callers that only care about a subset of
// hooks.
type NoopHooks struct {
	RomID       string
	ImageBacked bool
}

func (NoopHooks) OnPreInstall() bool                  { return true }
func (NoopHooks) OnPostInstall(succeeded bool) bool   { return true }
func (NoopHooks) OnStage(stage string, result StepResult) {}
func (h NoopHooks) GetInstallType() (string, bool)    { return h.RomID, h.ImageBacked }

// Installer drives one install run. A new Installer should be built per
// run; per-run state lives on the struct rather than being threaded
// through every stage method, matching the source's single object per
// install session.
type Installer struct {
	cfg      types.Config
	hooks    Hooks
	chroots  *chroot.Builder
	images   *imagemanager.Manager
	runner   *updater.Runner
	store    *checksum.Store
	switcher *romswitcher.Switcher
	verifier *signedexec.Verifier

	// zip-derived state (Initialize).
	zipPath         string
	hasBlockImage   bool
	copyToTempImage bool

	// CreateChroot / SetUpEnvironment.
	session    *chroot.Session
	scratchDir string

	// CheckDevice.
	deviceDef   *DeviceDefinition
	codename    string
	bootDev     string
	recoveryDev string
	systemDev   string

	// GetInstallType.
	rom *rom.Rom

	// SetUpChroot / MountFilesystems.
	bootBackupPath       string
	systemLoopDevice     string
	usingTempSystemImage bool
	tempSystemImagePath  string
	mountpoints          map[rom.Source]string
}

// New builds an Installer wired with production components, all sharing
// cfg. trustKey is the ed25519 public key every extracted executable's
// detached signature is checked against (spec.md §4.9 SetUpEnvironment);
// sandboxDir backs signedexec's private tmpfs sandbox.
func New(cfg types.Config, hooks Hooks, trustKey ed25519.PublicKey, sandboxDir string) *Installer {
	store := checksum.New(cfg)
	return &Installer{
		cfg:      cfg,
		hooks:    hooks,
		chroots:  chroot.New(cfg),
		images:   imagemanager.New(cfg),
		runner:   updater.New(cfg),
		store:    store,
		switcher: romswitcher.New(cfg, store),
		verifier: signedexec.New(cfg, trustKey, sandboxDir),
	}
}

// stage runs one named state, logging and notifying hooks uniformly.
func (in *Installer) stage(name string, fn func() StepResult) StepResult {
	result := fn()
	in.hooks.OnStage(name, result)
	if result == Fail {
		in.cfg.Logger.Errorf("installer: stage %s failed", name)
	}
	return result
}

// Run drives the full state machine against zipPath (spec.md §4.9).
// Cleanup always runs, win or lose.
func (in *Installer) Run(zipPath string) Outcome {
	in.zipPath = zipPath

	if !in.hooks.OnPreInstall() {
		return InstallCancelled
	}

	stages := []struct {
		name string
		fn   func() StepResult
	}{
		{"initialize", in.initialize},
		{"create_chroot", in.createChroot},
		{"set_up_environment", in.setUpEnvironment},
		{"check_device", in.checkDevice},
		{"get_install_type", in.getInstallType},
		{"set_up_chroot", in.setUpChroot},
		{"mount_filesystems", in.mountFilesystems},
		{"install", in.install},
		{"unmount_filesystems", in.unmountFilesystems},
		{"finish", in.finish},
	}

	outcome := InstallSucceeded
	for _, s := range stages {
		switch in.stage(s.name, s.fn) {
		case Continue:
			continue
		case Cancel:
			outcome = InstallCancelled
		case Fail:
			outcome = InstallFailed
		}
		break
	}

	in.cleanup(outcome)
	in.hooks.OnPostInstall(outcome == InstallSucceeded)
	return outcome
}

func (in *Installer) fail(format string, args ...interface{}) StepResult {
	in.cfg.Logger.Errorf("installer: "+format, args...)
	return Fail
}
