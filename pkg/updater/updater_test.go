package updater

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/chenxiaolong/multibootd/pkg/types"
)

type recordingSink struct {
	uiPrints []string
	stdio    []string
	unknown  []string
}

func (s *recordingSink) UIPrint(text string) { s.uiPrints = append(s.uiPrints, text) }
func (s *recordingSink) Stdio(line string)   { s.stdio = append(s.stdio, line) }
func (s *recordingSink) Unknown(line string) { s.unknown = append(s.unknown, line) }

func TestDispatchCommandGrammar(t *testing.T) {
	g := NewWithT(t)
	sink := &recordingSink{}

	dispatchCommand("ui_print hello world", sink)
	dispatchCommand("ui_print", sink)
	dispatchCommand("progress 0.5 10", sink)
	dispatchCommand("set_progress 0.9", sink)
	dispatchCommand("wipe_cache", sink)
	dispatchCommand("clear_display", sink)
	dispatchCommand("enable_reboot", sink)
	dispatchCommand("frobnicate widget", sink)

	g.Expect(sink.uiPrints).To(Equal([]string{"hello world", ""}))
	g.Expect(sink.unknown).To(Equal([]string{"frobnicate widget"}))
}

func TestUsesPropertyWorkspaceDetection(t *testing.T) {
	g := NewWithT(t)
	g.Expect(usesPropertyWorkspace([]byte("...ANDROID_PROPERTY_WORKSPACE..."))).To(BeTrue())
	g.Expect(usesPropertyWorkspace([]byte("no markers here"))).To(BeFalse())
}

func TestIsAromaUpdaterDetection(t *testing.T) {
	g := NewWithT(t)
	g.Expect(isAromaUpdater([]byte("com.amarullz.aroma.installer"))).To(BeTrue())
	g.Expect(isAromaUpdater([]byte("plain edify updater"))).To(BeFalse())
}

func TestBuildPropertyWorkspaceRoundTrip(t *testing.T) {
	g := NewWithT(t)
	f, size, err := buildPropertyWorkspace(map[string]string{"ro.product.device": "bacon"})
	g.Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	g.Expect(size).To(Equal(propertyWorkspaceSize))

	buf := make([]byte, 64)
	n, err := f.Read(buf)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(buf[:n])).To(ContainSubstring("ro.product.device=bacon\x00"))
}

func TestRunReportsSuccessAndUiPrint(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "updater.sh")
	body := "#!/bin/sh\necho \"ui_print hello from updater\" >&3\necho \"stdout noise\"\nexit 0\n"
	g.Expect(os.WriteFile(script, []byte(body), 0755)).To(Succeed())

	cfg := types.Config{Logger: types.NewLogger("debug"), Fs: types.NewOSFS()}
	r := New(cfg)
	sink := &recordingSink{}

	ok, err := r.Run(script, filepath.Join(dir, "update.zip"), 3, nil, 0, sink)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
	g.Expect(sink.uiPrints).To(ContainElement("hello from updater"))
	g.Expect(sink.stdio).To(ContainElement("stdout noise"))
}

func TestRunReportsFailureOnNonZeroExit(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "updater.sh")
	g.Expect(os.WriteFile(script, []byte("#!/bin/sh\nexit 7\n"), 0755)).To(Succeed())

	cfg := types.Config{Logger: types.NewLogger("debug"), Fs: types.NewOSFS()}
	r := New(cfg)

	ok, err := r.Run(script, filepath.Join(dir, "update.zip"), 3, nil, 0, &recordingSink{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())
}
