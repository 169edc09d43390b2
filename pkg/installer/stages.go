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
	"archive/zip"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/magiconair/properties"
	"github.com/pkg/errors"

	"github.com/chenxiaolong/multibootd/pkg/bootimage"
	"github.com/chenxiaolong/multibootd/pkg/chroot"
	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/cpio"
	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/signedexec"
)

// zipEntry is the fixed layout of the OTA zip entries the installer reads:
// the updater at its standard META-INF path, and the multiboot-specific
// payload inside the "multiboot/" directory (supplemented from
// original_source/mbtool/installer.cpp, not otherwise named in spec.md).
var zipEntry = struct {
	updater   string
	busybox   string
	deviceDef string
	infoProp  string
}{
	updater:   "META-INF/com/google/android/update-binary",
	busybox:   "multiboot/busybox",
	deviceDef: "multiboot/device.json",
	infoProp:  "multiboot/info.prop",
}

// SignatureInvalid is returned (wrapped) from SetUpEnvironment when an
// extracted executable's detached signature does not verify.
var SignatureInvalid = errors.New("installer: signature verification failed")

// initialize scans the OTA zip for block-image indicators (spec.md §4.9
// step 1).
func (in *Installer) initialize() StepResult {
	zr, err := zip.OpenReader(in.zipPath)
	if err != nil {
		return in.fail("opening zip %s: %v", in.zipPath, err)
	}
	defer zr.Close()

	var sawImg, sawNewDat, sawTransferList, sawSparse bool
	for _, f := range zr.File {
		switch filepath.Base(f.Name) {
		case "system.img":
			sawImg = true
		case "system.new.dat":
			sawNewDat = true
		case "system.transfer.list":
			sawTransferList = true
		case "system.img.sparse":
			sawSparse = true
		}
	}

	in.hasBlockImage = sawImg || sawNewDat || sawTransferList || sawSparse
	sparseOnly := sawSparse && !sawImg && !sawNewDat && !sawTransferList
	in.copyToTempImage = in.hasBlockImage && !sparseOnly
	return Continue
}

// createChroot fixes the scratch directory and the system/cache/data
// mountpoints the later stages use; the chroot session and its layout
// are built once CheckDevice has resolved the target block devices,
// inside setUpChroot (spec.md §4.9 steps 2/6).
func (in *Installer) createChroot() StepResult {
	in.scratchDir = constants.ScratchDir
	in.mountpoints = map[rom.Source]string{
		rom.SystemPartition: "/system",
		rom.CachePartition:  "/cache",
		rom.DataPartition:   "/data",
	}
	return Continue
}

// setUpEnvironment recreates the scratch directory and extracts the
// updater, busybox, device definition and info.prop from the zip,
// verifying every extracted executable's detached signature (spec.md
// §4.9 step 3).
func (in *Installer) setUpEnvironment() StepResult {
	if err := in.cfg.Fs.RemoveAll(in.scratchDir); err != nil {
		return in.fail("clearing scratch dir: %v", err)
	}
	if err := in.cfg.Fs.MkdirAll(in.scratchDir, constants.DirPerm); err != nil {
		return in.fail("creating scratch dir: %v", err)
	}

	zr, err := zip.OpenReader(in.zipPath)
	if err != nil {
		return in.fail("opening zip: %v", err)
	}
	defer zr.Close()

	extract := func(entry, destName string, executable bool) error {
		data, sig, err := readZipEntryWithSig(zr, entry)
		if err != nil {
			return err
		}
		mode := constants.FilePerm
		if executable {
			mode = 0755
		}
		dest := filepath.Join(in.scratchDir, destName)
		if err := in.cfg.Fs.WriteFile(dest, data, mode); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		if executable {
			if sig == nil {
				return errors.Wrapf(SignatureInvalid, "%s: no detached signature in zip", entry)
			}
			sigPath := dest + constants.SigSuffix
			if err := in.cfg.Fs.WriteFile(sigPath, sig, constants.FilePerm); err != nil {
				return err
			}
			result, err := in.verifier.Verify(dest, sigPath)
			if err != nil {
				return errors.Wrapf(err, "verifying %s", entry)
			}
			if result != signedexec.Valid {
				return errors.Wrapf(SignatureInvalid, "%s", entry)
			}
		}
		return nil
	}

	if err := extract(zipEntry.updater, constants.UpdaterName, true); err != nil {
		return in.fail("extracting updater: %v", err)
	}
	if err := extract(zipEntry.busybox, constants.BusyboxOrigName, true); err != nil {
		return in.fail("extracting busybox: %v", err)
	}
	if err := extract(zipEntry.deviceDef, constants.DeviceDefName, false); err != nil {
		return in.fail("extracting device definition: %v", err)
	}
	if err := extract(zipEntry.infoProp, constants.InfoPropName, false); err != nil {
		in.cfg.Logger.Warnf("installer: no info.prop in zip: %v", err)
	}

	selfPath, err := selfExecutable()
	if err != nil {
		return in.fail("locating helper binary: %v", err)
	}
	helperData, err := in.cfg.Fs.ReadFile(selfPath)
	if err != nil {
		return in.fail("reading helper binary: %v", err)
	}
	if err := in.cfg.Fs.WriteFile(filepath.Join(in.scratchDir, constants.HelperName), helperData, 0755); err != nil {
		return in.fail("writing helper binary: %v", err)
	}

	wrapper := buildBusyboxWrapper(filepath.Join("/mb", constants.HelperName), "/sbin/"+constants.BusyboxOrigName)
	if err := in.cfg.Fs.WriteFile(filepath.Join(in.scratchDir, constants.BusyboxName), []byte(wrapper), 0755); err != nil {
		return in.fail("writing busybox wrapper: %v", err)
	}

	return Continue
}

// checkDevice loads the device definition, matches the running codename
// and resolves boot/recovery/system block devices (spec.md §4.9 step 4).
func (in *Installer) checkDevice() StepResult {
	def, err := LoadDeviceDefinition(in.cfg, filepath.Join(in.scratchDir, constants.DeviceDefName))
	if err != nil {
		return in.fail("loading device definition: %v", err)
	}
	in.deviceDef = def

	codename := in.readProductCodename()
	in.codename = codename
	if !def.MatchesCodename(codename) {
		in.cfg.Logger.Errorf("installer: codename %q not in allowed list %v", codename, def.Codenames)
		return Fail
	}

	in.bootDev = firstExisting(in.cfg, def.Boot)
	if in.bootDev == "" {
		return in.fail("no existing boot device among %v", def.Boot)
	}
	in.recoveryDev = firstExisting(in.cfg, def.Recovery)
	if in.recoveryDev == "" {
		in.cfg.Logger.Warnf("installer: no existing recovery device among %v", def.Recovery)
	}
	in.systemDev = firstExisting(in.cfg, def.System)
	if in.systemDev == "" {
		return in.fail("no existing system device among %v", def.System)
	}
	return Continue
}

// readProductCodename reads ro.product.device / ro.build.product /
// ro.patcher.device off the host's default.prop, in that preference
// order (spec.md §4.9 step 4).
func (in *Installer) readProductCodename() string {
	data, err := in.cfg.Fs.ReadFile("/default.prop")
	if err != nil {
		return ""
	}
	props, err := parseProperties(data)
	if err != nil {
		return ""
	}
	for _, key := range []string{"ro.product.device", "ro.build.product", "ro.patcher.device"} {
		if v, ok := props[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// getInstallType asks Hooks for the target ROM id and constructs it
// (spec.md §4.9 step 5).
func (in *Installer) getInstallType() StepResult {
	romID, imageBacked := in.hooks.GetInstallType()
	if romID == CancelSentinel {
		return Cancel
	}

	var r *rom.Rom
	var err error
	if romID == constants.PrimaryID {
		r = rom.NewPrimaryRom()
	} else {
		r, err = rom.NewSecondaryRom(romID, imageBacked)
	}
	if err != nil {
		return in.fail("constructing rom %q: %v", romID, err)
	}

	if r.System.Source == rom.SystemPartition && in.mountpoints[rom.SystemPartition] == "" {
		return in.fail("rom %q resolves an empty system path", romID)
	}
	if r.Cache.Source == rom.CachePartition && in.mountpoints[rom.CachePartition] == "" {
		return in.fail("rom %q resolves an empty cache path", romID)
	}
	if r.Data.Source == rom.DataPartition && in.mountpoints[rom.DataPartition] == "" {
		return in.fail("rom %q resolves an empty data path", romID)
	}

	in.rom = r
	return Continue
}

// setUpChroot backs up the current boot image, strips any init-symlink
// patch this tool previously applied, builds the full chroot layout and
// installs the busybox wrapper and helper tool inside it (spec.md §4.9
// step 6).
func (in *Installer) setUpChroot() StepResult {
	bootData, err := in.cfg.Fs.ReadFile(in.bootDev)
	if err != nil {
		return in.fail("reading boot device: %v", err)
	}
	in.bootBackupPath = filepath.Join(in.scratchDir, "boot.img.orig")
	if err := in.cfg.Fs.WriteFile(in.bootBackupPath, bootData, constants.FilePerm); err != nil {
		return in.fail("backing up boot image: %v", err)
	}

	if patched, changed := stripInitPatch(bootData); changed {
		if err := in.cfg.Fs.WriteFile(in.bootDev, patched, 0); err != nil {
			return in.fail("restoring original init on boot device: %v", err)
		}
	}

	// The chroot's /dev/block/<system> entry is a symlink to a private
	// loop device (spec.md §4.6 Block-device remapping), so the image
	// backing it must already be attached before Build lays out the
	// chroot, even though the ext4 mount onto /system itself happens
	// later in mountFilesystems (spec.md §4.9 step 7).
	if err := in.resolveSystemLoopDevice(); err != nil {
		return in.fail("resolving system image: %v", err)
	}

	dev := chroot.DeviceSpec{
		Boot:      in.bootDev,
		Recovery:  in.recoveryDev,
		System:    in.systemDev,
		Extra:     in.deviceDef.Extra,
		IsSamsung: in.deviceDef.Vendor == "samsung",
	}
	session, err := in.chroots.Build(dev, in.systemLoopDevice)
	if err != nil {
		return in.fail("building chroot: %v", err)
	}
	in.session = session
	if in.systemLoopDevice != "" {
		session.TrackLoopDevice(in.systemLoopDevice)
	}

	dropDir := filepath.Join(session.Root, "mb")
	for _, name := range []string{constants.UpdaterName, constants.BusyboxOrigName, constants.HelperName, constants.DeviceDefName} {
		data, err := in.cfg.Fs.ReadFile(filepath.Join(in.scratchDir, name))
		if err != nil {
			continue
		}
		if err := in.cfg.Fs.WriteFile(filepath.Join(dropDir, name), data, 0755); err != nil {
			return in.fail("installing %s into chroot: %v", name, err)
		}
	}

	zipData, err := in.cfg.Fs.ReadFile(in.zipPath)
	if err != nil {
		return in.fail("reading OTA zip: %v", err)
	}
	if err := in.cfg.Fs.WriteFile(filepath.Join(dropDir, "install.zip"), zipData, 0644); err != nil {
		return in.fail("installing OTA zip into chroot: %v", err)
	}

	wrapperData, err := in.cfg.Fs.ReadFile(filepath.Join(in.scratchDir, constants.BusyboxName))
	if err != nil {
		return in.fail("reading busybox wrapper: %v", err)
	}
	sbinBusybox := filepath.Join(session.Root, "sbin", "busybox")
	origPath := filepath.Join(session.Root, "sbin", constants.BusyboxOrigName)
	if _, err := in.cfg.Fs.Stat(sbinBusybox); err == nil {
		if err := in.cfg.Fs.Rename(sbinBusybox, origPath); err != nil {
			return in.fail("preserving original busybox: %v", err)
		}
	}
	if err := in.cfg.Fs.WriteFile(sbinBusybox, wrapperData, 0755); err != nil {
		return in.fail("installing busybox wrapper: %v", err)
	}

	return Continue
}

// resolveSystemLoopDevice decides what backs the chroot's remapped
// system block device and attaches it, ahead of Build (spec.md §4.9
// steps 6/7): a temp image when the ROM isn't already image-backed and
// either the zip carries a block image or the ROM is primary, otherwise
// the ROM's own system image if it has one. Directory-backed ROMs with
// no block image in the zip need no loop device at all.
func (in *Installer) resolveSystemLoopDevice() error {
	in.usingTempSystemImage = !in.rom.System.IsImage && (in.hasBlockImage || in.rom.IsPrimary())
	if in.usingTempSystemImage {
		tempPath, err := in.allocateTempImage()
		if err != nil {
			return fmt.Errorf("allocating temp system image: %w", err)
		}
		in.tempSystemImagePath = tempPath
		loopDev, err := in.images.Attach(tempPath)
		if err != nil {
			return fmt.Errorf("attaching temp system image: %w", err)
		}
		in.systemLoopDevice = loopDev
		return nil
	}

	if !in.rom.System.IsImage {
		return nil
	}
	full := in.rom.System.FullPath(in.mountpoints)
	if _, err := in.cfg.Fs.Stat(full); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := in.cfg.Fs.MkdirAll(filepath.Dir(full), constants.DirPerm); err != nil {
			return err
		}
		if err := in.images.CreateImage(full, constants.DefaultImageSize); err != nil {
			return err
		}
	}
	loopDev, err := in.images.Attach(full)
	if err != nil {
		return err
	}
	in.systemLoopDevice = loopDev
	return nil
}

// mountFilesystems binds or attaches system/cache/data into the chroot,
// lazily creating a missing image-backed partition at the default size,
// and, for a temp-image redirected system, copies the current /system
// into it first when copy_to_temp_image was set (spec.md §4.9 step 7).
func (in *Installer) mountFilesystems() StepResult {
	if err := in.mountStorage(in.rom.Cache); err != nil {
		return in.fail("mounting cache: %v", err)
	}
	if err := in.mountStorage(in.rom.Data); err != nil {
		return in.fail("mounting data: %v", err)
	}

	switch {
	case in.usingTempSystemImage:
		if in.copyToTempImage {
			if err := in.copySystemIntoTempImage(in.systemLoopDevice); err != nil {
				return in.fail("copying /system into temp image: %v", err)
			}
		}
		if err := in.images.MountImage(in.systemLoopDevice, in.mountpoints[rom.SystemPartition], false); err != nil {
			return in.fail("mounting temp system image: %v", err)
		}
	case in.rom.System.IsImage:
		if err := in.images.MountImage(in.systemLoopDevice, in.mountpoints[rom.SystemPartition], false); err != nil {
			return in.fail("mounting system image: %v", err)
		}
	default:
		if err := in.cfg.Mounter.Mount(in.rom.System.FullPath(in.mountpoints), in.mountpoints[rom.SystemPartition], "", []string{"bind"}); err != nil {
			return in.fail("bind-mounting system: %v", err)
		}
	}
	return Continue
}

// mountStorage mounts one of a ROM's cache/data targets, creating a
// missing image-backed file lazily (spec.md §4.9 step 7). System is
// handled separately by resolveSystemLoopDevice/mountFilesystems since
// it alone needs the temp-image redirection logic.
func (in *Installer) mountStorage(s rom.Storage) error {
	target := in.mountpoints[s.Source]
	full := s.FullPath(in.mountpoints)

	if !s.IsImage {
		return in.cfg.Mounter.Mount(full, target, "", []string{"bind"})
	}

	if _, err := in.cfg.Fs.Stat(full); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := in.cfg.Fs.MkdirAll(filepath.Dir(full), constants.DirPerm); err != nil {
			return err
		}
		if err := in.images.CreateImage(full, constants.DefaultImageSize); err != nil {
			return err
		}
	}
	loopDev, err := in.images.Attach(full)
	if err != nil {
		return err
	}
	in.session.TrackLoopDevice(loopDev)
	return in.images.MountImage(loopDev, target, false)
}

// allocateTempImage places the temp system image on the data partition
// if there's room, falling back to the external SD (spec.md §4.9 step 7).
func (in *Installer) allocateTempImage() (string, error) {
	primary := filepath.Join(constants.DataRoot, ".tmp-system.img")
	if err := in.images.CreateImage(primary, constants.DefaultImageSize); err == nil {
		return primary, nil
	}
	fallback := "/data/media/0/.tmp-system.img"
	if err := in.images.CreateImage(fallback, constants.DefaultImageSize); err != nil {
		return "", fmt.Errorf("no room for temp system image on data or external sd: %w", err)
	}
	return fallback, nil
}

// copySystemIntoTempImage copies the currently-mounted /system into the
// freshly attached temp image (spec.md §4.9 step 7).
func (in *Installer) copySystemIntoTempImage(loopDevice string) error {
	tmpMount := filepath.Join(in.scratchDir, "tmp-system-mount")
	if err := in.images.MountImage(loopDevice, tmpMount, false); err != nil {
		return err
	}
	defer in.images.Unmount(tmpMount)

	return in.copyTree("/system", tmpMount)
}

// installLineSink adapts the installer's logger to updater.LineSink.
type installLineSink struct {
	log interface {
		Infof(format string, args ...interface{})
	}
}

func (s installLineSink) UIPrint(text string)       { s.log.Infof("installer: ui_print: %s", text) }
func (s installLineSink) Stdio(line string)          { s.log.Infof("installer: updater: %s", line) }
func (s installLineSink) Unknown(command string)     { s.log.Infof("installer: unknown command: %s", command) }

// install invokes the UpdaterRunner inside the chroot, timing the run
// (spec.md §4.9 step 8).
func (in *Installer) install() StepResult {
	skipMarker := filepath.Join(in.session.Root, constants.SkipInstallMarker)
	if _, err := in.cfg.Fs.Stat(skipMarker); err == nil {
		in.cfg.Logger.Infof("installer: %s present, skipping updater invocation", constants.SkipInstallMarker)
		return Continue
	}

	start := time.Now()
	updaterPath := filepath.Join(in.session.Root, "mb", constants.UpdaterName)
	succeeded, err := in.runner.Run(updaterPath, filepath.Join(in.session.Root, "mb", "install.zip"),
		constants.UpdaterInterfaceVersion, nil, 0, installLineSink{log: in.cfg.Logger})
	in.cfg.Logger.Infof("installer: updater finished in %s", time.Since(start).Round(time.Second))
	if err != nil {
		return in.fail("running updater: %v", err)
	}
	if !succeeded {
		return Fail
	}
	return Continue
}

// unmountFilesystems unmounts /system, /cache and /data, restoring the
// real /system from the temp image if one was used (spec.md §4.9 step 9).
// Loop devices stay attached here; the chroot teardown in cleanup
// detaches the tracked ones.
func (in *Installer) unmountFilesystems() StepResult {
	var errs *multierror.Error

	if in.usingTempSystemImage {
		if err := in.restoreSystemFromTempImage(); err != nil {
			errs = multierror.Append(errs, err)
		}
	} else if err := in.images.Unmount(in.mountpoints[rom.SystemPartition]); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := in.images.Unmount(in.mountpoints[rom.CachePartition]); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := in.images.Unmount(in.mountpoints[rom.DataPartition]); err != nil {
		errs = multierror.Append(errs, err)
	}

	if errs.ErrorOrNil() != nil {
		in.cfg.Logger.Warnf("installer: unmounting filesystems: %v", errs)
	}
	return Continue
}

func (in *Installer) restoreSystemFromTempImage() error {
	tmpMount := filepath.Join(in.scratchDir, "tmp-system-mount")
	if err := in.cfg.Fs.RemoveAll("/system"); err != nil {
		return err
	}
	if err := in.cfg.Fs.MkdirAll("/system", constants.DirPerm); err != nil {
		return err
	}
	return in.copyTree(tmpMount, "/system")
}

// copyTree recursively copies src onto dst, recreating subdirectories with
// their source mode, copying regular file contents and mode, and relinking
// symlinks rather than following them (spec.md §4.9 step 7: "copies the
// current /system into it"). Used in both directions between the real
// /system and its temp-image mirror.
func (in *Installer) copyTree(src, dst string) error {
	entries, err := in.cfg.Fs.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())

		info, err := in.cfg.Fs.Lstat(srcPath)
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := in.cfg.Fs.Readlink(srcPath)
			if err != nil {
				return err
			}
			if err := in.cfg.Fs.Symlink(target, dstPath); err != nil {
				return err
			}
		case info.IsDir():
			if err := in.cfg.Fs.Mkdir(dstPath, info.Mode().Perm()); err != nil {
				return err
			}
			if err := in.copyTree(srcPath, dstPath); err != nil {
				return err
			}
		default:
			data, err := in.cfg.Fs.ReadFile(srcPath)
			if err != nil {
				return err
			}
			if err := in.cfg.Fs.WriteFile(dstPath, data, info.Mode().Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish patches the updater-written boot image with the multiboot
// ramdisk changes and persists both the boot device and the ROM's
// backup copy, then updates the ChecksumStore and config cache (spec.md
// §4.9 step 10).
func (in *Installer) finish() StepResult {
	bootData, err := in.cfg.Fs.ReadFile(in.bootDev)
	if err != nil {
		return in.fail("reading updater-written boot image: %v", err)
	}
	bi, err := bootimage.Parse(bootData)
	if err != nil {
		return in.fail("parsing boot image: %v", err)
	}

	rd, err := cpio.Load(bi.Ramdisk)
	if err != nil {
		return in.fail("loading ramdisk: %v", err)
	}
	if err := writeRamdiskFile(rd, constants.RomIDFile, uint32(constants.FilePerm), []byte(in.rom.ID+"\n")); err != nil {
		return in.fail("injecting rom id: %v", err)
	}
	if err := appendDefaultProp(rd, "ro.patcher.device", in.codename); err != nil {
		return in.fail("patching default.prop: %v", err)
	}
	for _, name := range []string{constants.UpdaterName, constants.BusyboxOrigName, constants.HelperName} {
		data, err := in.cfg.Fs.ReadFile(filepath.Join(in.scratchDir, name))
		if err != nil {
			continue
		}
		_ = writeRamdiskFile(rd, filepath.Join("/sbin", name), 0755, data)
	}
	if rd.Exists("/init") && !rd.Exists("/init.orig") {
		if orig, err := rd.Read("/init"); err == nil {
			_ = rd.AddFile("/init.orig", 0755, orig)
		}
	}
	_ = rd.Remove("/init")
	if err := rd.AddSymlink("/init", "/sbin/"+constants.HelperName); err != nil {
		return in.fail("symlinking /init: %v", err)
	}
	deviceData, err := in.cfg.Fs.ReadFile(filepath.Join(in.scratchDir, constants.DeviceDefName))
	if err == nil {
		_ = writeRamdiskFile(rd, "/multiboot.device.json", uint32(constants.FilePerm), deviceData)
	}

	packedRamdisk, err := rd.Store()
	if err != nil {
		return in.fail("serialising ramdisk: %v", err)
	}
	bi.SetRamdisk(packedRamdisk)

	out, err := bi.Serialise()
	if err != nil {
		return in.fail("serialising boot image: %v", err)
	}

	if err := in.cfg.Fs.WriteFile(in.bootDev, out, 0); err != nil {
		return in.fail("writing boot device: %v", err)
	}
	backupPath := in.rom.BootImagePath()
	if err := in.cfg.Fs.MkdirAll(filepath.Dir(backupPath), constants.DirPerm); err != nil {
		return in.fail("creating rom backup dir: %v", err)
	}
	if err := in.cfg.Fs.WriteFile(backupPath, out, constants.FilePerm); err != nil {
		return in.fail("backing up boot image: %v", err)
	}

	in.store.Put(in.rom.ID, "boot.img", sha512HexOf(out))
	if err := in.store.Save(); err != nil {
		return in.fail("saving checksum store: %v", err)
	}

	if err := in.cacheRomConfig(); err != nil {
		in.cfg.Logger.Warnf("installer: caching rom config: %v", err)
	}
	return Continue
}

func (in *Installer) cacheRomConfig() error {
	data, err := in.cfg.Fs.ReadFile(filepath.Join(in.mountpoints[rom.SystemPartition], "build.prop"))
	if err != nil {
		return err
	}
	props, err := parseProperties(data)
	if err != nil {
		return err
	}
	return rom.SaveConfig(in.cfg, in.rom, &rom.Config{
		Version: props["ro.build.version.release"],
		Build:   props["ro.build.display.id"],
		Name:    props["ro.product.name"],
	})
}

// cleanup always runs: deletes the temp image, restores the saved boot
// image on failure, tears down the chroot (spec.md §4.9 step 11).
func (in *Installer) cleanup(outcome Outcome) {
	var errs *multierror.Error

	if outcome == InstallFailed && in.bootBackupPath != "" {
		if data, err := in.cfg.Fs.ReadFile(in.bootBackupPath); err == nil {
			if err := in.cfg.Fs.WriteFile(in.bootDev, data, 0); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("restoring boot image: %w", err))
			}
		}
	}

	if in.tempSystemImagePath != "" {
		if in.systemLoopDevice != "" {
			_ = in.images.Detach(in.systemLoopDevice)
		}
		if err := in.cfg.Fs.Remove(in.tempSystemImagePath); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("removing temp system image: %w", err))
		}
	}

	if in.session != nil {
		if err := in.session.Teardown(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tearing down chroot: %w", err))
		}
	}

	if errs.ErrorOrNil() != nil {
		in.cfg.Logger.Warnf("installer: cleanup: %v", errs)
	}
}

// readZipEntryWithSig reads entry's bytes, plus the bytes of its
// companion ".sig" entry if present.
func readZipEntryWithSig(zr *zip.ReadCloser, entry string) (data, sig []byte, err error) {
	data, err = readZipEntry(zr, entry)
	if err != nil {
		return nil, nil, err
	}
	sig, _ = readZipEntry(zr, entry+constants.SigSuffix)
	return data, sig, nil
}

func readZipEntry(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("installer: %s not found in zip", name)
}

func selfExecutable() (string, error) {
	return os.Executable()
}

// stripInitPatch detects whether bootData's ramdisk carries the
// /init.orig that finish preserves before symlinking /init to our helper
// and, if so, restores it as /init (spec.md §4.9 step 6: "undo any init-symlink modification
// this tool may have previously introduced").
func stripInitPatch(bootData []byte) ([]byte, bool) {
	bi, err := bootimage.Parse(bootData)
	if err != nil {
		return bootData, false
	}
	rd, err := cpio.Load(bi.Ramdisk)
	if err != nil {
		return bootData, false
	}
	if !rd.Exists("/init.orig") {
		return bootData, false
	}
	orig, err := rd.Read("/init.orig")
	if err != nil {
		return bootData, false
	}
	if err := rd.Remove("/init"); err != nil {
		return bootData, false
	}
	if err := rd.AddFile("/init", 0755, orig); err != nil {
		return bootData, false
	}
	packed, err := rd.Store()
	if err != nil {
		return bootData, false
	}
	bi.SetRamdisk(packed)
	out, err := bi.Serialise()
	if err != nil {
		return bootData, false
	}
	return out, true
}

// appendDefaultProp appends one key=value line to /default.prop inside
// the ramdisk (spec.md §4.9 step 10).
func appendDefaultProp(rd *cpio.Ramdisk, key, value string) error {
	existing := []byte{}
	if rd.Exists("/default.prop") {
		data, err := rd.Read("/default.prop")
		if err != nil {
			return err
		}
		existing = data
	}
	line := fmt.Sprintf("%s=%s\n", key, value)
	updated := append(existing, []byte(line)...)
	return writeRamdiskFile(rd, "/default.prop", uint32(constants.FilePerm), updated)
}

// writeRamdiskFile replaces path's payload if it already exists in rd,
// otherwise inserts it fresh; AddFile and Write each only handle one of
// those two cases.
func writeRamdiskFile(rd *cpio.Ramdisk, path string, mode uint32, data []byte) error {
	if rd.Exists(path) {
		return rd.Write(path, data)
	}
	return rd.AddFile(path, mode, data)
}

// parseProperties parses a flat key=value properties blob via
// magiconair/properties, the same dependency pkg/checksum and pkg/rom use.
func parseProperties(data []byte) (map[string]string, error) {
	p, err := properties.LoadString(string(data))
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		out[k] = v
	}
	return out, nil
}

func sha512HexOf(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}
