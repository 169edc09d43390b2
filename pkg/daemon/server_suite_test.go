//go:build linux

package daemon

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/chenxiaolong/multibootd/pkg/checksum"
	"github.com/chenxiaolong/multibootd/pkg/romswitcher"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// dialAbstract connects to an abstract-namespace Unix socket the way any
// real DaemonRpc client would, rather than reaching into Server directly.
func dialAbstract(name string) (net.Conn, error) {
	return net.Dial("unix", "@"+name)
}

var _ = Describe("Server end to end over a real socket", func() {
	var (
		ln       *net.UnixListener
		srv      *Server
		sockName string
		dir      string
	)

	BeforeEach(func() {
		var err error
		dir = GinkgoT().TempDir()

		fsys, cleanup, err := vfst.NewTestFS(nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(cleanup)

		cfg := types.Config{
			Logger: types.NewLogger("debug"),
			Fs:     types.NewGoVFS(fsys),
		}
		store := checksum.New(cfg)
		Expect(store.Load()).To(Succeed())
		switcher := romswitcher.New(cfg, store)
		srv = NewServer(cfg, store, switcher, nil, nil)

		sockName = fmt.Sprintf("multibootd-test-%d", GinkgoParallelProcess())
		ln, err = Listen(sockName)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { ln.Close() })

		go srv.Serve(ln)
	})

	It("completes a handshake and serves a chmod request over the wire", func() {
		path := filepath.Join(dir, "x")
		Expect(os.WriteFile(path, []byte("hi"), 0644)).To(Succeed())

		conn, err := dialAbstract(sockName)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
		line, err := rw.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("ALLOW\n"))

		Expect(writeClientVersionFrame(rw, ProtocolVersion)).To(Succeed())
		line, err = rw.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("OK\n"))

		req := Request{Op: OpChmod, Path: path, Mode: 0600}
		Expect(writeRequest(rw.Writer, req)).To(Succeed())
		Expect(rw.Flush()).To(Succeed())

		resp, err := readResponse(rw.Reader)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(StatusOK))

		info, err := os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
	})

	It("rejects a connection that speaks an unsupported protocol version", func() {
		conn, err := dialAbstract(sockName)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
		_, err = rw.ReadString('\n') // ALLOW
		Expect(err).NotTo(HaveOccurred())

		Expect(writeClientVersionFrame(rw, ProtocolVersion+1000)).To(Succeed())
		line, err := rw.ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("UNSUPPORTED\n"))
	})
})

func writeClientVersionFrame(rw *bufio.ReadWriter, version int32) error {
	var buf [4]byte
	buf[0] = byte(version >> 24)
	buf[1] = byte(version >> 16)
	buf[2] = byte(version >> 8)
	buf[3] = byte(version)
	if _, err := rw.Write(buf[:]); err != nil {
		return err
	}
	return rw.Flush()
}
