//go:build linux

package daemon

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/romswitcher"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

func newTestServer(t *testing.T, g *WithT, files map[string]interface{}) *Server {
	fsys, cleanup, err := vfst.NewTestFS(files)
	g.Expect(err).NotTo(HaveOccurred())
	t.Cleanup(cleanup)

	cfg := types.Config{
		Logger: types.NewLogger("debug"),
		Fs:     types.NewGoVFS(fsys),
	}
	store := checksum.New(cfg)
	g.Expect(store.Load()).To(Succeed())
	switcher := romswitcher.New(cfg, store)
	return NewServer(cfg, store, switcher, nil, nil)
}

// spec.md §8 scenario 6: RPC chmod with setuid bit is refused, file mode
// unchanged, connection stays open (tested at the dispatch level: a
// second well-formed request on the same conn still works).
func TestChmodRejectsSetuidBit(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	g.Expect(os.WriteFile(path, []byte("data"), 0644)).To(Succeed())

	s := newTestServer(t, g, nil)
	cs := newConnState(ProtocolVersion)

	resp := s.dispatch(cs, Request{Op: OpChmod, Path: path, Mode: 04755}, nil)
	g.Expect(resp.Status).To(Equal(StatusInvalid))

	info, err := os.Stat(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Mode().Perm()).To(Equal(os.FileMode(0644)))

	// Connection stays open: a subsequent legitimate chmod still works.
	resp = s.dispatch(cs, Request{Op: OpChmod, Path: path, Mode: 0600}, nil)
	g.Expect(resp.Status).To(Equal(StatusOK))
	info, err = os.Stat(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
}

func TestOpenReadWriteSeekCloseRoundTrip(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	g.Expect(os.WriteFile(path, []byte("hello world"), 0644)).To(Succeed())

	s := newTestServer(t, g, nil)
	cs := newConnState(ProtocolVersion)

	openResp := s.dispatch(cs, Request{Op: OpOpen, Path: path, OpenFlags: os.O_RDWR}, nil)
	g.Expect(openResp.Status).To(Equal(StatusOK))
	h := openResp.Handle

	readResp := s.dispatch(cs, Request{Op: OpRead, Handle: h, HasHandle: true, ReadLen: 5}, nil)
	g.Expect(readResp.Status).To(Equal(StatusOK))
	g.Expect(string(readResp.Data)).To(Equal("hello"))

	seekResp := s.dispatch(cs, Request{Op: OpSeek, Handle: h, HasHandle: true, Offset: 0, Whence: 0}, nil)
	g.Expect(seekResp.Status).To(Equal(StatusOK))
	g.Expect(seekResp.Offset).To(Equal(int64(0)))

	writeResp := s.dispatch(cs, Request{Op: OpWrite, Handle: h, HasHandle: true, Data: []byte("HELLO")}, nil)
	g.Expect(writeResp.Status).To(Equal(StatusOK))
	g.Expect(writeResp.N).To(Equal(5))

	closeResp := s.dispatch(cs, Request{Op: OpClose, Handle: h}, nil)
	g.Expect(closeResp.Status).To(Equal(StatusOK))

	data, err := os.ReadFile(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("HELLO world"))

	// Handle is gone: a further op on it is Invalid (spec.md §8 Daemon
	// FD table).
	resp := s.dispatch(cs, Request{Op: OpRead, Handle: h, HasHandle: true, ReadLen: 1}, nil)
	g.Expect(resp.Status).To(Equal(StatusInvalid))
}

func TestDisconnectClosesAllHandles(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	g.Expect(os.WriteFile(path, []byte("x"), 0644)).To(Succeed())

	s := newTestServer(t, g, nil)
	cs := newConnState(ProtocolVersion)
	openResp := s.dispatch(cs, Request{Op: OpOpen, Path: path, OpenFlags: os.O_RDONLY}, nil)
	g.Expect(openResp.Status).To(Equal(StatusOK))

	cs.handles.closeAll()

	_, ok := cs.handles.get(openResp.Handle)
	g.Expect(ok).To(BeFalse())
}

func TestGetDirectorySizeSkipsExcludedAndDedupesHardlinks(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	g.Expect(os.MkdirAll(filepath.Join(dir, "keep"), 0755)).To(Succeed())
	g.Expect(os.MkdirAll(filepath.Join(dir, "skip"), 0755)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(dir, "keep", "a"), make([]byte, 100), 0644)).To(Succeed())
	g.Expect(os.Link(filepath.Join(dir, "keep", "a"), filepath.Join(dir, "keep", "b"))).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(dir, "skip", "c"), make([]byte, 999), 0644)).To(Succeed())

	s := newTestServer(t, g, nil)
	resp := s.dispatch(newConnState(ProtocolVersion), Request{
		Op:       OpGetDirectorySize,
		Path:     dir,
		Excluded: []string{"skip"},
	}, nil)
	g.Expect(resp.Status).To(Equal(StatusOK))
	g.Expect(resp.Size).To(Equal(int64(100))) // hardlinked b not double-counted, skip/ excluded
}

func TestDeleteVariants(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	emptyDir := filepath.Join(dir, "d")
	tree := filepath.Join(dir, "tree")
	g.Expect(os.WriteFile(file, []byte("x"), 0644)).To(Succeed())
	g.Expect(os.Mkdir(emptyDir, 0755)).To(Succeed())
	g.Expect(os.MkdirAll(filepath.Join(tree, "nested"), 0755)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(tree, "nested", "f"), []byte("y"), 0644)).To(Succeed())

	s := newTestServer(t, g, nil)
	cs := newConnState(ProtocolVersion)

	g.Expect(s.dispatch(cs, Request{Op: OpDelete, Path: file, DeleteMode: DeleteUnlink}, nil).Status).To(Equal(StatusOK))
	g.Expect(s.dispatch(cs, Request{Op: OpDelete, Path: emptyDir, DeleteMode: DeleteRmdir}, nil).Status).To(Equal(StatusOK))
	g.Expect(s.dispatch(cs, Request{Op: OpDelete, Path: tree, DeleteMode: DeleteRecursive}, nil).Status).To(Equal(StatusOK))

	_, err := os.Stat(tree)
	g.Expect(os.IsNotExist(err)).To(BeTrue())
}

func TestGetBootedRomIDAndInstalledRoms(t *testing.T) {
	g := NewWithT(t)
	s := newTestServer(t, g, map[string]interface{}{
		"/romid": "secondary",
		"/data/multiboot/secondary/config.prop": "ro.build.version.release=14\nro.build.display.id=build-1\n",
	})

	resp := s.dispatch(newConnState(ProtocolVersion), Request{Op: OpGetBootedRomID}, nil)
	g.Expect(resp.Status).To(Equal(StatusOK))
	g.Expect(resp.RomID).To(Equal("secondary"))

	romsResp := s.dispatch(newConnState(ProtocolVersion), Request{Op: OpGetInstalledRoms}, nil)
	g.Expect(romsResp.Status).To(Equal(StatusOK))
	var found bool
	for _, r := range romsResp.Roms {
		if r.ID == "secondary" {
			found = true
			g.Expect(r.Version).To(Equal("14"))
		}
	}
	g.Expect(found).To(BeTrue())
}

func TestWipeRomRemovesMultibootDir(t *testing.T) {
	g := NewWithT(t)
	s := newTestServer(t, g, map[string]interface{}{
		"/data/multiboot/secondary/config.prop": "x=1\n",
		"/data/multiboot/secondary/boot.img":    "boot-bytes",
	})

	resp := s.dispatch(newConnState(ProtocolVersion), Request{
		Op:          OpWipeRom,
		RomID:       "secondary",
		WipeTargets: []string{"multiboot"},
	}, nil)
	g.Expect(resp.Status).To(Equal(StatusOK))

	_, err := s.cfg.Fs.Stat("/data/multiboot/secondary/boot.img")
	g.Expect(err).To(HaveOccurred())
}

func TestUnknownOpIsUnsupported(t *testing.T) {
	g := NewWithT(t)
	s := newTestServer(t, g, nil)
	resp := s.dispatch(newConnState(ProtocolVersion), Request{Op: Op(9999)}, nil)
	g.Expect(resp.Status).To(Equal(StatusUnsupported))
}
