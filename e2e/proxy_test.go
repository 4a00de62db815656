//go:build linux

package e2e

import (
	"bufio"
	"fmt"
	"strings"
	"testing"

	"github.com/ObjatieGroba/gofibersched/async"
	"github.com/ObjatieGroba/gofibersched/ioloop"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// TestProxyKeyValueStore checks that a proxy fiber forwards
// bidirectionally between a client and a line-oriented key-value store,
// replaying a fixed GET/PUT transcript and checking each reply line.
func TestProxyKeyValueStore(t *testing.T) {
	storeFD, storePort, err := listenLoopback()
	require.NoError(t, err)
	defer unix.Close(storeFD)

	proxyFD, proxyPort, err := listenLoopback()
	require.NoError(t, err)
	defer unix.Close(proxyFD)

	sc, err := ioloop.New()
	require.NoError(t, err)

	kv := &testStore{data: make(map[string]string)}
	sc.Schedule(func() { storeServe(storeFD, kv) })
	sc.Schedule(func() { proxyServe(proxyFD, storePort) })

	runDone := make(chan error, 1)
	go func() { runDone <- async.Run(sc) }()
	defer func() {
		unix.Close(storeFD)
		unix.Close(proxyFD)
		<-runDone
	}()

	waitForListener(t, proxyPort)

	conn, err := dialLoopback(proxyPort)
	require.NoError(t, err)
	defer unix.Close(conn)
	r := bufio.NewReader(fdReader{conn})

	exchange := func(cmd, want string) {
		t.Helper()
		require.NoError(t, writeAllBlocking(conn, []byte(cmd+"\n")))
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, want, strings.TrimRight(line, "\n"))
	}

	exchange("GET A", "None")
	exchange("GET B", "None")
	exchange("PUT A 10", "Ok")
	exchange("GET A", "10")
	exchange("GET B", "None")
	exchange("PUT A 20", "Ok")
	exchange("GET A", "20")
}

// TestProxyManyClientsConcurrently pumps several clients through the
// proxy concurrently, each with its own private key, to exercise the
// scheduler's fairness across many forwarding-fiber pairs at once.
func TestProxyManyClientsConcurrently(t *testing.T) {
	storeFD, storePort, err := listenLoopback()
	require.NoError(t, err)
	defer unix.Close(storeFD)

	proxyFD, proxyPort, err := listenLoopback()
	require.NoError(t, err)
	defer unix.Close(proxyFD)

	sc, err := ioloop.New()
	require.NoError(t, err)

	kv := &testStore{data: make(map[string]string)}
	sc.Schedule(func() { storeServe(storeFD, kv) })
	sc.Schedule(func() { proxyServe(proxyFD, storePort) })

	runDone := make(chan error, 1)
	go func() { runDone <- async.Run(sc) }()
	defer func() {
		unix.Close(storeFD)
		unix.Close(proxyFD)
		<-runDone
	}()

	waitForListener(t, proxyPort)

	var g errgroup.Group
	for c := 0; c < 8; c++ {
		c := c
		g.Go(func() error {
			conn, err := dialLoopback(proxyPort)
			if err != nil {
				return err
			}
			defer unix.Close(conn)
			r := bufio.NewReader(fdReader{conn})
			key := fmt.Sprintf("k%d", c)
			val := fmt.Sprintf("v%d", c)

			if err := writeAllBlocking(conn, []byte("PUT "+key+" "+val+"\n")); err != nil {
				return err
			}
			if line, err := r.ReadString('\n'); err != nil || strings.TrimRight(line, "\n") != "Ok" {
				return fmt.Errorf("client %d put reply = %q, err=%v", c, line, err)
			}

			if err := writeAllBlocking(conn, []byte("GET "+key+"\n")); err != nil {
				return err
			}
			want := val
			if line, err := r.ReadString('\n'); err != nil || strings.TrimRight(line, "\n") != want {
				return fmt.Errorf("client %d get reply = %q, want %q, err=%v", c, line, want, err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// testStore is the e2e tests' own copy of the key-value map used by
// cmd/fiberproxy, kept independent since main packages aren't importable.
type testStore struct {
	data map[string]string
}

func storeServe(listenFD int, s *testStore) {
	for {
		fd, err := async.Accept(listenFD)
		if err != nil {
			return
		}
		async.Schedule(func() { storeConn(fd, s) })
	}
}

func storeConn(fd int, s *testStore) {
	defer unix.Close(fd)
	var pending []byte
	buf := make([]byte, 256)
	for {
		idx := indexOfNewline(pending)
		if idx < 0 {
			n, err := async.Read(fd, buf)
			if err != nil || n == 0 {
				return
			}
			pending = append(pending, buf[:n]...)
			continue
		}
		line := strings.TrimRight(string(pending[:idx]), "\r")
		pending = append([]byte(nil), pending[idx+1:]...)

		reply, stop := storeHandle(line, s)
		if stop {
			return
		}
		if err := proxyWriteAll(fd, []byte(reply+"\n")); err != nil {
			return
		}
	}
}

// storeHandle matches the reference key-value protocol's reply wording
// exactly: "None" on a missing key, "Ok" after a put, the bare value on
// a hit, an empty line for anything else, and no reply at all for STOP
// (the connection is simply closed).
func storeHandle(line string, s *testStore) (reply string, stop bool) {
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
		if v, ok := s.data[key]; ok {
			return v, false
		}
		return "None", false
	case "PUT":
		if len(fields) > 2 {
			s.data[key] = fields[2]
		}
		return "Ok", false
	default:
		return "", false
	}
}

func proxyServe(listenFD, storePort int) {
	for {
		clientFD, err := async.Accept(listenFD)
		if err != nil {
			return
		}
		serverFD, err := dialLoopback(storePort)
		if err != nil {
			unix.Close(clientFD)
			continue
		}
		async.Schedule(func() { proxyForward(clientFD, serverFD, unix.SHUT_RD, unix.SHUT_WR) })
		async.Schedule(func() { proxyForward(serverFD, clientFD, unix.SHUT_RD, unix.SHUT_WR) })
	}
}

func proxyForward(src, dst, srcShut, dstShut int) {
	buf := make([]byte, 4096)
	for {
		n, err := async.Read(src, buf)
		if err != nil || n == 0 {
			break
		}
		if err := proxyWriteAll(dst, buf[:n]); err != nil {
			break
		}
	}
	unix.Shutdown(src, srcShut)
	unix.Shutdown(dst, dstShut)
}

func proxyWriteAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := async.Write(fd, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func indexOfNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// fdReader adapts a raw fd to io.Reader for bufio, for the blocking
// driver side of the test only (never touches the fiber scheduler).
type fdReader struct{ fd int }

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(r.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("fdReader: EOF")
	}
	return n, nil
}
