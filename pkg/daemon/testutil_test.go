package daemon

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	. "github.com/onsi/gomega"
)

func newPipe() (io.Reader, io.Writer) {
	r, w := io.Pipe()
	return r, w
}

func writeClientVersion(g *WithT, rw *bufio.ReadWriter, version int32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(version))
	_, err := rw.Write(buf[:])
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(rw.Flush()).To(Succeed())
}

func readLine(g *WithT, rw *bufio.ReadWriter) string {
	line, err := rw.ReadString('\n')
	g.Expect(err).NotTo(HaveOccurred())
	return line
}

func devNullFile(g *WithT) *os.File {
	f, err := os.Open(os.DevNull)
	g.Expect(err).NotTo(HaveOccurred())
	return f
}
