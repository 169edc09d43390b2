package installer

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

func newTestConfig(t *testing.T, g *WithT) types.Config {
	fsys, cleanup, err := vfst.NewTestFS(nil)
	g.Expect(err).NotTo(HaveOccurred())
	t.Cleanup(cleanup)
	return types.Config{
		Logger: types.NewLogger("debug"),
		Fs:     types.NewGoVFS(fsys),
	}
}

// writeZip builds a real zip file on the host filesystem containing the
// given entries, since archive/zip.OpenReader always opens by real path.
func writeZip(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ota.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("data")); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitializeDetectsBlockImage(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{cfg: newTestConfig(t, g)}
	in.zipPath = writeZip(t, "system.new.dat", "system.transfer.list")

	g.Expect(in.initialize()).To(Equal(Continue))
	g.Expect(in.hasBlockImage).To(BeTrue())
	g.Expect(in.copyToTempImage).To(BeTrue())
}

func TestInitializeSparseOnlySkipsCopy(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{cfg: newTestConfig(t, g)}
	in.zipPath = writeZip(t, "system.img.sparse")

	g.Expect(in.initialize()).To(Equal(Continue))
	g.Expect(in.hasBlockImage).To(BeTrue())
	g.Expect(in.copyToTempImage).To(BeFalse())
}

func TestInitializeDirectoryRomHasNoBlockImage(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{cfg: newTestConfig(t, g)}
	in.zipPath = writeZip(t, "META-INF/com/google/android/update-binary")

	g.Expect(in.initialize()).To(Equal(Continue))
	g.Expect(in.hasBlockImage).To(BeFalse())
	g.Expect(in.copyToTempImage).To(BeFalse())
}

func TestInitializeFailsOnUnreadableZip(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{cfg: newTestConfig(t, g)}
	in.zipPath = filepath.Join(t.TempDir(), "missing.zip")

	g.Expect(in.initialize()).To(Equal(Fail))
}

func TestGetInstallTypeCancelSentinel(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{
		cfg:         newTestConfig(t, g),
		hooks:       NoopHooks{RomID: CancelSentinel},
		mountpoints: map[rom.Source]string{rom.SystemPartition: "/system", rom.CachePartition: "/cache", rom.DataPartition: "/data"},
	}
	g.Expect(in.getInstallType()).To(Equal(Cancel))
	g.Expect(in.rom).To(BeNil())
}

func TestGetInstallTypeConstructsSecondaryRom(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{
		cfg:         newTestConfig(t, g),
		hooks:       NoopHooks{RomID: "dual", ImageBacked: true},
		mountpoints: map[rom.Source]string{rom.SystemPartition: "/system", rom.CachePartition: "/cache", rom.DataPartition: "/data"},
	}
	g.Expect(in.getInstallType()).To(Equal(Continue))
	g.Expect(in.rom).NotTo(BeNil())
	g.Expect(in.rom.ID).To(Equal("dual"))
	g.Expect(in.rom.System.IsImage).To(BeTrue())
}

func TestGetInstallTypePrimaryRom(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{
		cfg:         newTestConfig(t, g),
		hooks:       NoopHooks{RomID: "primary"},
		mountpoints: map[rom.Source]string{rom.SystemPartition: "/system", rom.CachePartition: "/cache", rom.DataPartition: "/data"},
	}
	g.Expect(in.getInstallType()).To(Equal(Continue))
	g.Expect(in.rom.IsPrimary()).To(BeTrue())
}

// vetoHooks lets a test flip OnPreInstall/OnPostInstall independently of
// the rest of NoopHooks's behaviour.
type vetoHooks struct {
	NoopHooks
	allowPreInstall bool
	stagesSeen      []string
}

func (v *vetoHooks) OnPreInstall() bool { return v.allowPreInstall }
func (v *vetoHooks) OnStage(stage string, result StepResult) {
	v.stagesSeen = append(v.stagesSeen, stage)
}

func TestRunVetoedByOnPreInstallNeverTouchesStages(t *testing.T) {
	g := NewWithT(t)
	hooks := &vetoHooks{allowPreInstall: false}
	in := &Installer{cfg: newTestConfig(t, g), hooks: hooks}

	outcome := in.Run("/nonexistent.zip")
	g.Expect(outcome).To(Equal(InstallCancelled))
	g.Expect(hooks.stagesSeen).To(BeEmpty())
}

func TestRunFailsAtInitializeAndStillCallsCleanup(t *testing.T) {
	g := NewWithT(t)
	hooks := &vetoHooks{allowPreInstall: true}
	in := &Installer{cfg: newTestConfig(t, g), hooks: hooks}

	outcome := in.Run(filepath.Join(t.TempDir(), "missing.zip"))
	g.Expect(outcome).To(Equal(InstallFailed))
	g.Expect(hooks.stagesSeen).To(ConsistOf("initialize"))
}

func TestCleanupRestoresBootImageOnFailure(t *testing.T) {
	g := NewWithT(t)
	cfg := newTestConfig(t, g)
	g.Expect(cfg.Fs.MkdirAll("/scratch", 0755)).To(Succeed())
	g.Expect(cfg.Fs.MkdirAll("/dev/block", 0755)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/scratch/boot.img.orig", []byte("original-bytes"), 0644)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/dev/block/boot", []byte("patched-bytes"), 0644)).To(Succeed())

	in := &Installer{
		cfg:            cfg,
		bootBackupPath: "/scratch/boot.img.orig",
		bootDev:        "/dev/block/boot",
	}
	in.cleanup(InstallFailed)

	data, err := cfg.Fs.ReadFile("/dev/block/boot")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("original-bytes"))
}

func TestCleanupOnSuccessLeavesBootImageAlone(t *testing.T) {
	g := NewWithT(t)
	cfg := newTestConfig(t, g)
	g.Expect(cfg.Fs.MkdirAll("/scratch", 0755)).To(Succeed())
	g.Expect(cfg.Fs.MkdirAll("/dev/block", 0755)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/scratch/boot.img.orig", []byte("original-bytes"), 0644)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/dev/block/boot", []byte("final-bytes"), 0644)).To(Succeed())

	in := &Installer{
		cfg:            cfg,
		bootBackupPath: "/scratch/boot.img.orig",
		bootDev:        "/dev/block/boot",
	}
	in.cleanup(InstallSucceeded)

	data, err := cfg.Fs.ReadFile("/dev/block/boot")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("final-bytes"))
}

func TestCleanupNeverPanicsWithNoStateAtAll(t *testing.T) {
	g := NewWithT(t)
	in := &Installer{cfg: newTestConfig(t, g)}
	g.Expect(func() { in.cleanup(InstallFailed) }).NotTo(Panic())
}

func TestCopyTreePreservesNestedDirsFilesAndSymlinks(t *testing.T) {
	g := NewWithT(t)
	cfg := newTestConfig(t, g)
	in := &Installer{cfg: cfg}

	g.Expect(cfg.Fs.MkdirAll("/src/bin", 0755)).To(Succeed())
	g.Expect(cfg.Fs.MkdirAll("/src/lib/modules", 0755)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/src/build.prop", []byte("ro.product=x"), 0644)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/src/bin/toolbox", []byte("bin"), 0755)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/src/lib/modules/mod.ko", []byte("ko"), 0644)).To(Succeed())
	g.Expect(cfg.Fs.Symlink("toolbox", "/src/bin/ls")).To(Succeed())

	g.Expect(cfg.Fs.MkdirAll("/dst", 0755)).To(Succeed())
	g.Expect(in.copyTree("/src", "/dst")).To(Succeed())

	data, err := cfg.Fs.ReadFile("/dst/build.prop")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("ro.product=x"))

	data, err = cfg.Fs.ReadFile("/dst/lib/modules/mod.ko")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("ko"))

	target, err := cfg.Fs.Readlink("/dst/bin/ls")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(target).To(Equal("toolbox"))

	info, err := cfg.Fs.Stat("/dst/bin/toolbox")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Mode().Perm()).To(Equal(os.FileMode(0755)))
}
