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

package constants

import "os"

const (
	// PrimaryID is the one ROM id reserved for the factory install.
	PrimaryID = "primary"

	// DataRoot is the private state root on the data partition.
	DataRoot = "/data/multiboot"
	// ChecksumsFile is the ChecksumStore's on-disk path.
	ChecksumsFile = DataRoot + "/checksums.prop"
	// MediaRoot is the user-visible storage root.
	MediaRoot = "/data/media/0/MultiBoot"
	// BackupsDir holds per-backup directories under MediaRoot.
	BackupsDir = MediaRoot + "/backups"

	// ChecksumAlgo is the only algorithm the ChecksumStore accepts.
	ChecksumAlgo = "sha512"
	// ChecksumHexLen is the expected hex digest length for sha512.
	ChecksumHexLen = 128

	// DefaultImageSize is the default nominal size for a lazily-created
	// per-partition image file.
	DefaultImageSize int64 = 4 * 1024 * 1024 * 1024 // 4 GiB

	// ChrootRoot is the fixed tmpfs root the ChrootBuilder constructs.
	ChrootRoot = "/.multiboot-chroot"
	// ChrootDrop is the updater/helper/busybox drop directory.
	ChrootDrop = ChrootRoot + "/mb"

	// BootImagePageSizeDefault is used when a parsed header reports zero.
	BootImagePageSizeDefault = 2048

	// Boot image header magics.
	AndroidMagic          = "ANDROID!"
	AndroidMagicSize      = 8
	LokiMagic             = "LOKI"
	LokiMagicOffset       = 0x400
	BootMagicSearchWindow = 32 * 1024

	// Header field length limits (spec.md §3/§4.2).
	MaxCmdlineLen = 512
	MaxBoardLen   = 16

	// Default directory and file modes.
	DirPerm  = os.FileMode(0755)
	FilePerm = os.FileMode(0644)

	// StampSuffix marks a mountpoint as mounted for the installer helper
	// sub-commands (§6 "Installer helper sub-commands").
	StampSuffix = ".mounted"

	// RomIDFile is where Finish injects the booted ROM's id into the
	// ramdisk (spec.md §4.9 Finish), and where the daemon's
	// get_booted_rom_id reads it back from.
	RomIDFile = "/romid"

	// DaemonSocketName is the abstract Unix socket name DaemonRpc binds
	// to (spec.md §6 "Daemon socket"): a leading NUL is prepended at
	// bind time, not part of this string.
	DaemonSocketName = "mbtool.daemon"

	// ScratchDir is the Installer's working directory for one run,
	// recreated at SetUpEnvironment and removed at Cleanup (spec.md
	// §4.9 steps 3/11).
	ScratchDir = DataRoot + "/.installer-scratch"

	// Names the installer gives the files it extracts from the OTA zip
	// into ChrootDrop (spec.md §4.9 SetUpEnvironment).
	UpdaterName     = "updater"
	BusyboxName     = "busybox"
	BusyboxOrigName = "busybox_orig"
	HelperName      = "multibootd"
	DeviceDefName   = "device.json"
	InfoPropName    = "info.prop"
	SigSuffix       = ".sig"

	// SkipInstallMarker, when present inside the chroot, tells Install to
	// skip invoking the updater entirely (spec.md §4.9 step 8, debug
	// affordance).
	SkipInstallMarker = "/.skip-install"

	// UpdaterInterfaceVersion is the interface version Install passes to
	// the updater binary's argv[1] (spec.md §4.7 Contract).
	UpdaterInterfaceVersion = 3
)

// AuxFlashableAllowlist is the hard-coded set of auxiliary flashable
// partitions RomSwitcher considers in addition to boot.img (spec.md §4.8).
// Kept as a package var, not a const, per the Open Question in spec.md §9:
// the source hard-codes it and this is not made device-driven, but a
// caller that genuinely needs to extend it may still do so at process
// start without forking the package.
var AuxFlashableAllowlist = []string{"mdm", "modem", "apnhlos"}

// AromaMarkers are binary substrings that identify an AROMA-based updater
// (spec.md §4.7).
var AromaMarkers = []string{"AROMA", "aroma-installer", "com.amarullz.aroma"}

// HelperMountpoints lists the mountpoints the installer helper sub-commands
// (§6) are allowed to operate on.
var HelperMountpoints = []string{"/system", "/cache", "/data"}

// WipeTargets enumerates the targets accepted by the daemon's wipe_rom
// operation (supplemented from original_source/mbtool/wipe.cpp, spec.md §5).
var WipeTargets = []string{"system", "cache", "data", "dalvik_cache", "multiboot"}
