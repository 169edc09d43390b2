//go:build linux

package signedexec

import (
	"crypto/ed25519"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/chenxiaolong/multibootd/pkg/types"
)

func newVerifier(g *WithT) (*Verifier, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	g.Expect(err).NotTo(HaveOccurred())
	cfg := types.Config{
		Logger: types.NewLogger("debug"),
		Fs:     types.NewOSFS(),
	}
	return New(cfg, pub, "/tmp"), priv
}

func TestVerifyBytesValid(t *testing.T) {
	g := NewWithT(t)
	v, priv := newVerifier(g)

	binary := []byte("#!/bin/sh\necho hi\n")
	sig := ed25519.Sign(priv, binary)

	g.Expect(v.verifyBytes(binary, sig)).To(Equal(Valid))
}

func TestVerifyBytesTamperedBinary(t *testing.T) {
	g := NewWithT(t)
	v, priv := newVerifier(g)

	binary := []byte("original")
	sig := ed25519.Sign(priv, binary)

	g.Expect(v.verifyBytes([]byte("tampered!"), sig)).To(Equal(Invalid))
}

func TestVerifyBytesWrongKey(t *testing.T) {
	g := NewWithT(t)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	g.Expect(err).NotTo(HaveOccurred())

	v, _ := newVerifier(g)
	binary := []byte("payload")
	sig := ed25519.Sign(otherPriv, binary)

	g.Expect(v.verifyBytes(binary, sig)).To(Equal(Invalid))
}

func TestVerifyBytesMalformedSignature(t *testing.T) {
	g := NewWithT(t)
	v, _ := newVerifier(g)
	g.Expect(v.verifyBytes([]byte("payload"), []byte("too-short"))).To(Equal(Invalid))
}
