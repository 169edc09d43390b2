package checksum

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

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

func TestPutSaveLoadGet(t *testing.T) {
	g := NewWithT(t)
	cfg := newTestConfig(t, g)
	hash := "ab"
	for len(hash) < 128 {
		hash += "cd"
	}
	hash = hash[:128]

	s := NewAt(cfg, "/data/multiboot/checksums.prop")
	s.Put("secondary", "boot.img", hash)
	g.Expect(s.Save()).To(Succeed())

	s2 := NewAt(cfg, "/data/multiboot/checksums.prop")
	g.Expect(s2.Load()).To(Succeed())
	rec := s2.Get("secondary", "boot.img")
	g.Expect(rec.State).To(Equal(Found))
	g.Expect(rec.Digest).To(Equal(hash))
}

func TestMissingFileIsEmptyStore(t *testing.T) {
	g := NewWithT(t)
	cfg := newTestConfig(t, g)
	s := NewAt(cfg, "/data/multiboot/checksums.prop")
	g.Expect(s.Load()).To(Succeed())
	g.Expect(s.Get("x", "y").State).To(Equal(NotFound))
}

func TestMalformedValues(t *testing.T) {
	g := NewWithT(t)
	cfg := newTestConfig(t, g)
	g.Expect(cfg.Fs.MkdirAll("/data/multiboot", 0755)).To(Succeed())
	g.Expect(cfg.Fs.WriteFile("/data/multiboot/checksums.prop",
		[]byte("secondary/boot.img=md5:deadbeef\nprimary/boot.img=sha512:tooshort\n"), 0644)).To(Succeed())

	s := NewAt(cfg, "/data/multiboot/checksums.prop")
	g.Expect(s.Load()).To(Succeed())
	g.Expect(s.Get("secondary", "boot.img").State).To(Equal(Malformed))
	g.Expect(s.Get("primary", "boot.img").State).To(Equal(Malformed))
}
