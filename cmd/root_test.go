//go:build linux

package cmd

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestTrimHexWhitespaceStripsLeadingAndTrailing(t *testing.T) {
	g := NewWithT(t)
	g.Expect(trimHexWhitespace("  abcd\n")).To(Equal("abcd"))
	g.Expect(trimHexWhitespace("abcd")).To(Equal("abcd"))
	g.Expect(trimHexWhitespace("\t\r\n")).To(Equal(""))
}

func TestResolveTrustKeyDecodesEmbeddedKey(t *testing.T) {
	g := NewWithT(t)
	saved := cfgTrustKey
	cfgTrustKey = ""
	t.Cleanup(func() { cfgTrustKey = saved })

	key, err := resolveTrustKey()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(key).To(HaveLen(32))
}

func TestResolveTrustKeyReadsOverrideFile(t *testing.T) {
	g := NewWithT(t)
	saved := cfgTrustKey
	t.Cleanup(func() { cfgTrustKey = saved })

	want := make([]byte, 32)
	for i := range want {
		want[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "trust.key")
	g.Expect(os.WriteFile(path, []byte(hex.EncodeToString(want)+"\n"), 0644)).To(Succeed())
	cfgTrustKey = path

	key, err := resolveTrustKey()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect([]byte(key)).To(Equal(want))
}

func TestResolveTrustKeyRejectsWrongLength(t *testing.T) {
	g := NewWithT(t)
	saved := cfgTrustKey
	t.Cleanup(func() { cfgTrustKey = saved })

	path := filepath.Join(t.TempDir(), "trust.key")
	g.Expect(os.WriteFile(path, []byte("deadbeef"), 0644)).To(Succeed())
	cfgTrustKey = path

	_, err := resolveTrustKey()
	g.Expect(err).To(HaveOccurred())
}

func TestLoadConfigFileOverridesPackageVars(t *testing.T) {
	g := NewWithT(t)
	savedFile, savedDebug, savedData := cfgFile, cfgDebug, cfgDataRoot
	t.Cleanup(func() {
		cfgFile, cfgDebug, cfgDataRoot = savedFile, savedDebug, savedData
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	g.Expect(os.WriteFile(path, []byte("debug: true\ndata-root: /custom/data\n"), 0644)).To(Succeed())
	cfgFile = path

	loadConfigFile()

	g.Expect(cfgDebug).To(BeTrue())
	g.Expect(cfgDataRoot).To(Equal("/custom/data"))
}
