// Command fiberproxy runs a proxy fiber that
// forwards bidirectionally between a client and a line-oriented
// key-value store server, both driven by the same fiber scheduler.
// Because exactly one fiber executes at a time, the store's map needs
// no lock even though many client connections share it.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ObjatieGroba/gofibersched/async"
	"github.com/ObjatieGroba/gofibersched/ioloop"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	var serverPort, proxyPort int
	var verbose bool

	root := &cobra.Command{
		Use:   "fiberproxy",
		Short: "Run a fiber-scheduled proxy in front of a line-oriented key-value store",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

			sc, err := ioloop.New(ioloop.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("create scheduler: %w", err)
			}

			storeListenFD, err := listen(serverPort)
			if err != nil {
				return fmt.Errorf("listen (store) on %d: %w", serverPort, err)
			}
			defer unix.Close(storeListenFD)

			proxyListenFD, err := listen(proxyPort)
			if err != nil {
				return fmt.Errorf("listen (proxy) on %d: %w", proxyPort, err)
			}
			defer unix.Close(proxyListenFD)

			store := newStore()
			sc.Schedule(func() { serveStore(storeListenFD, store, logger) })
			sc.Schedule(func() { serveProxy(proxyListenFD, serverPort, logger) })

			logger.Info().Int("proxy_port", proxyPort).Int("server_port", serverPort).Msg("fiberproxy listening")
			return async.Run(sc)
		},
	}

	root.Flags().IntVar(&serverPort, "server-port", 8080, "key-value store's real port")
	root.Flags().IntVar(&proxyPort, "proxy-port", 8088, "port the proxy listens on")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug-level scheduler logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// store is the shared key-value mapping. It is touched only by fibers
// running on the single scheduler goroutine, so it needs no mutex.
type store struct {
	data map[string]string
}

func newStore() *store { return &store{data: make(map[string]string)} }

func (s *store) get(key string) (string, bool) {
	v, ok := s.data[key]
	return v, ok
}

func (s *store) put(key, val string) {
	s.data[key] = val
}

// serveStore accepts connections and spawns one handler fiber per
// client, each speaking the GET/PUT/STOP line protocol.
func serveStore(listenFD int, s *store, logger zerolog.Logger) {
	for {
		fd, err := async.Accept(listenFD)
		if err != nil {
			logger.Error().Err(err).Msg("store accept failed, stopping")
			return
		}
		async.Schedule(func() { handleStoreConn(fd, s, logger) })
	}
}

func handleStoreConn(fd int, s *store, logger zerolog.Logger) {
	defer unix.Close(fd)
	r := newLineReader(fd)
	for {
		line, err := r.readLine()
		if err != nil {
			return
		}
		reply, stop := handleCommand(line, s)
		if stop {
			return
		}
		if err := writeAll(fd, []byte(reply+"\n")); err != nil {
			logger.Warn().Err(err).Msg("store write failed")
			return
		}
	}
}

// handleCommand matches the reference key-value protocol's reply
// wording exactly: "None" on a missing key, "Ok" after a put, the bare
// value on a hit, an empty line for anything else, and no reply at all
// for STOP (the connection is simply closed).
func handleCommand(line string, s *store) (reply string, stop bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	cmd := fields[0]
	if cmd == "STOP" {
		return "", true
	}
	var key string
	if len(fields) > 1 {
		key = fields[1]
	}
	switch cmd {
	case "GET":
		if v, ok := s.get(key); ok {
			return v, false
		}
		return "None", false
	case "PUT":
		if len(fields) > 2 {
			s.put(key, fields[2])
		}
		return "Ok", false
	default:
		return "", false
	}
}

// serveProxy accepts a client connection, opens the matching connection
// to the real store, and spawns the two directional forwarding fibers.
func serveProxy(listenFD, serverPort int, logger zerolog.Logger) {
	for {
		clientFD, err := async.Accept(listenFD)
		if err != nil {
			logger.Error().Err(err).Msg("proxy accept failed, stopping")
			return
		}
		serverFD, err := connect(serverPort)
		if err != nil {
			logger.Error().Err(err).Msg("proxy dial to store failed")
			unix.Close(clientFD)
			continue
		}
		async.Schedule(func() { forward(clientFD, serverFD, unix.SHUT_RD, unix.SHUT_WR, logger) })
		async.Schedule(func() { forward(serverFD, clientFD, unix.SHUT_RD, unix.SHUT_WR, logger) })
	}
}

// forward copies src -> dst until EOF or error, then half-closes both
// ends so the partner fiber's own read loop also observes EOF and
// exits (half-close propagation).
func forward(src, dst int, srcShut, dstShut int, logger zerolog.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := async.Read(src, buf)
		if err != nil || n == 0 {
			break
		}
		if err := writeAll(dst, buf[:n]); err != nil {
			logger.Debug().Err(err).Msg("forward write stopped")
			break
		}
	}
	unix.Shutdown(src, srcShut)
	unix.Shutdown(dst, dstShut)
}

func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := async.Write(fd, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// lineReader accumulates bytes from fd until it can split off a
// newline-terminated line, the Go analogue of tests.cpp's Input class.
type lineReader struct {
	fd  int
	buf []byte
}

func newLineReader(fd int) *lineReader {
	return &lineReader{fd: fd, buf: make([]byte, 0, 256)}
}

func (r *lineReader) readLine() (string, error) {
	for {
		if i := indexByte(r.buf, '\n'); i >= 0 {
			line := string(r.buf[:i])
			r.buf = append([]byte(nil), r.buf[i+1:]...)
			return strings.TrimRight(line, "\r"), nil
		}
		chunk := make([]byte, 256)
		n, err := async.Read(r.fd, chunk)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("fiberproxy: connection closed mid-line")
		}
		r.buf = append(r.buf, chunk[:n]...)
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func connect(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
