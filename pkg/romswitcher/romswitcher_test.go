package romswitcher

import (
	"crypto/sha512"
	"encoding/hex"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/rom"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

func newHarness(t *testing.T, g *WithT) (types.Config, *rom.Rom) {
	fsys, cleanup, err := vfst.NewTestFS(map[string]interface{}{
		"/data/multiboot/secondary/boot.img": "boot-image-bytes",
		"/dev/block/boot":                    "stale-device-bytes",
	})
	g.Expect(err).NotTo(HaveOccurred())
	t.Cleanup(cleanup)

	cfg := types.Config{
		Logger: types.NewLogger("debug"),
		Fs:     types.NewGoVFS(fsys),
	}
	r, err := rom.NewSecondaryRom("secondary", false)
	g.Expect(err).NotTo(HaveOccurred())
	return cfg, r
}

func digestOf(data string) string {
	sum := sha512.Sum512([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestSwitchFirstTimeReturnsChecksumNotFound(t *testing.T) {
	g := NewWithT(t)
	cfg, r := newHarness(t, g)
	store := checksum.New(cfg)
	g.Expect(store.Load()).To(Succeed())

	sw := New(cfg, store)
	outcome := sw.Switch(r, "/dev/block/boot", nil, false)
	g.Expect(outcome).To(Equal(ChecksumNotFound))

	data, err := cfg.Fs.ReadFile("/dev/block/boot")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("stale-device-bytes")) // untouched
}

func TestSwitchForceUpdateThenSucceedsOnRepeat(t *testing.T) {
	g := NewWithT(t)
	cfg, r := newHarness(t, g)
	store := checksum.New(cfg)
	g.Expect(store.Load()).To(Succeed())
	sw := New(cfg, store)

	outcome := sw.Switch(r, "/dev/block/boot", nil, true)
	g.Expect(outcome).To(Equal(Succeeded))

	data, err := cfg.Fs.ReadFile("/dev/block/boot")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("boot-image-bytes"))

	// Second attempt, same content, not forced: digest matches, succeeds.
	store2 := checksum.New(cfg)
	g.Expect(store2.Load()).To(Succeed())
	sw2 := New(cfg, store2)
	outcome2 := sw2.Switch(r, "/dev/block/boot", nil, false)
	g.Expect(outcome2).To(Equal(Succeeded))
}

func TestSwitchMismatchedChecksumIsInvalid(t *testing.T) {
	g := NewWithT(t)
	cfg, r := newHarness(t, g)
	store := checksum.New(cfg)
	g.Expect(store.Load()).To(Succeed())
	store.Put("secondary", "boot.img", digestOf("some-other-content"))
	g.Expect(store.Save()).To(Succeed())

	store2 := checksum.New(cfg)
	g.Expect(store2.Load()).To(Succeed())
	sw := New(cfg, store2)

	outcome := sw.Switch(r, "/dev/block/boot", nil, false)
	g.Expect(outcome).To(Equal(ChecksumInvalid))
}

func TestSetKernelAlwaysUpdatesChecksum(t *testing.T) {
	g := NewWithT(t)
	cfg, r := newHarness(t, g)
	store := checksum.New(cfg)
	g.Expect(store.Load()).To(Succeed())
	sw := New(cfg, store)

	g.Expect(sw.SetKernel(r, "/dev/block/boot")).To(BeTrue())

	rec := store.Get("secondary", "boot.img")
	g.Expect(rec.State).To(Equal(checksum.Found))
	g.Expect(rec.Digest).To(Equal(digestOf("boot-image-bytes")))
}
