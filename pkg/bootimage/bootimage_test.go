package bootimage

import (
	"testing"

	. "github.com/onsi/gomega"
)

func sampleImage(g *WithT) *BootImage {
	bi := &BootImage{
		Header: Header{
			PageSize:    2048,
			KernelAddr:  0x10008000,
			RamdiskAddr: 0x11000000,
			TagsAddr:    0x10000100,
		},
		Kernel:  []byte("kernel-bytes-not-really-a-kernel"),
		Ramdisk: []byte("ramdisk-bytes"),
	}
	g.Expect(bi.SetCmdline("console=ttyMSM0,115200n8")).To(Succeed())
	g.Expect(bi.SetBoard("msm8974")).To(Succeed())
	return bi
}

func TestSerialiseParseIdempotence(t *testing.T) {
	g := NewWithT(t)
	bi := sampleImage(g)

	raw, err := bi.Serialise()
	g.Expect(err).NotTo(HaveOccurred())

	parsed, err := Parse(raw)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(parsed.Header.Cmdline).To(Equal(bi.Header.Cmdline))
	g.Expect(parsed.Header.Board).To(Equal(bi.Header.Board))
	g.Expect(parsed.Header.PageSize).To(Equal(bi.Header.PageSize))
	g.Expect(parsed.Kernel).To(Equal(bi.Kernel))
	g.Expect(parsed.Ramdisk).To(Equal(bi.Ramdisk))

	// Fixed point after one more cycle (spec.md §8 Boot-image idempotence).
	raw2, err := parsed.Serialise()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(raw2).To(Equal(raw))
}

func TestCmdlineTooLong(t *testing.T) {
	g := NewWithT(t)
	bi := sampleImage(g)
	long := make([]byte, 600)
	err := bi.SetCmdline(string(long))
	g.Expect(err).To(BeAssignableToTypeOf(&FieldTooLong{}))
}

func TestBoardTooLong(t *testing.T) {
	g := NewWithT(t)
	bi := sampleImage(g)
	err := bi.SetBoard("way-too-long-board-name")
	g.Expect(err).To(BeAssignableToTypeOf(&FieldTooLong{}))
}

func TestLokiRoundTripRequiresAboot(t *testing.T) {
	g := NewWithT(t)
	bi := sampleImage(g)
	bi.Header.Format = Loki

	_, err := bi.Serialise()
	g.Expect(err).To(MatchError(AbootRequired))

	bi.AbootImage = []byte("fake-aboot-partition-bytes")
	raw, err := bi.Serialise()
	g.Expect(err).NotTo(HaveOccurred())

	parsed, err := Parse(raw)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(parsed.Header.Format).To(Equal(Loki))
	g.Expect(parsed.Header.RamdiskAddr).To(Equal(bi.Header.RamdiskAddr))
	g.Expect(parsed.AbootImage).To(Equal(bi.AbootImage))
	g.Expect(parsed.Kernel).To(Equal(bi.Kernel))
}
