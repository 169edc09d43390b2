package cpio

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestAddFileAlreadyExists(t *testing.T) {
	g := NewWithT(t)
	r := New()
	g.Expect(r.AddFile("init", 0755, []byte("#!/bin/sh"))).To(Succeed())
	err := r.AddFile("init", 0755, []byte("x"))
	g.Expect(err).To(BeAssignableToTypeOf(&ErrAlreadyExists{}))
}

func TestAddSymlinkScenario(t *testing.T) {
	// spec.md §8 scenario 5: add_symlink("sbin/sh", "busybox") then store/load.
	g := NewWithT(t)
	r := New()
	g.Expect(r.AddSymlink("sbin/sh", "busybox")).To(Succeed())

	raw, err := r.Store()
	g.Expect(err).NotTo(HaveOccurred())

	loaded, err := Load(raw)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(loaded.Exists("sbin/sh")).To(BeTrue())

	entries := loaded.Entries()
	g.Expect(entries).To(HaveLen(1))
	g.Expect(entries[0].Type).To(Equal(Symlink))
	g.Expect(entries[0].LinkTarget).To(Equal("busybox"))
	g.Expect(entries[0].Mode).To(Equal(uint32(0777)))
	g.Expect(entries[0].DevMajor).To(Equal(uint32(0)))
	g.Expect(entries[0].DevMinor).To(Equal(uint32(0)))
}

func TestWriteReadNotFound(t *testing.T) {
	g := NewWithT(t)
	r := New()
	_, err := r.Read("missing")
	g.Expect(err).To(BeAssignableToTypeOf(&ErrNotFound{}))
	g.Expect(r.Write("missing", []byte("x"))).To(BeAssignableToTypeOf(&ErrNotFound{}))
}

func TestRenameSemantics(t *testing.T) {
	g := NewWithT(t)
	r := New()
	g.Expect(r.AddFile("a", 0644, []byte("1"))).To(Succeed())
	g.Expect(r.AddFile("b", 0644, []byte("2"))).To(Succeed())

	err := r.Rename("a", "b")
	g.Expect(err).To(BeAssignableToTypeOf(&ErrAlreadyExists{}))

	err = r.Rename("missing", "c")
	g.Expect(err).To(BeAssignableToTypeOf(&ErrNotFound{}))

	g.Expect(r.Rename("a", "c")).To(Succeed())
	g.Expect(r.Exists("a")).To(BeFalse())
	g.Expect(r.Exists("c")).To(BeTrue())
}

func TestRoundTripOrderingAndCompression(t *testing.T) {
	g := NewWithT(t)

	for _, compression := range []Compression{None, Gzip, Lz4, Lzma, Lzop} {
		r := New()
		r.SetCompression(compression)
		// Insert out of lexicographic order.
		g.Expect(r.AddFile("zeta", 0644, []byte("z"))).To(Succeed())
		g.Expect(r.AddDirectory("alpha", 0755)).To(Succeed())
		g.Expect(r.AddFile("alpha/beta", 0644, []byte("b"))).To(Succeed())

		raw, err := r.Store()
		g.Expect(err).NotTo(HaveOccurred())

		loaded, err := Load(raw)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(loaded.Compression()).To(Equal(compression))

		entries := loaded.Entries()
		g.Expect(entries).To(HaveLen(3))
		// Entries come back in lexicographic order regardless of insertion.
		g.Expect(entries[0].Path).To(Equal("alpha"))
		g.Expect(entries[1].Path).To(Equal("alpha/beta"))
		g.Expect(entries[2].Path).To(Equal("zeta"))

		data, err := loaded.Read("zeta")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(data).To(Equal([]byte("z")))
	}
}

func TestMutationForcesNormalization(t *testing.T) {
	g := NewWithT(t)
	r := New()
	g.Expect(r.AddFile("init", 0755, []byte("old"))).To(Succeed())
	g.Expect(r.Write("init", []byte("new"))).To(Succeed())

	raw, err := r.Store()
	g.Expect(err).NotTo(HaveOccurred())
	loaded, err := Load(raw)
	g.Expect(err).NotTo(HaveOccurred())
	data, err := loaded.Read("init")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(data).To(Equal([]byte("new")))
}
