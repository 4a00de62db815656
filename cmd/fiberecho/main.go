// Command fiberecho runs a single fiber-scheduled echo server: it
// listens on --port, accepts connections in a loop, and spawns one
// echo fiber per connection, exercising the full stack.schedule/Async
// surface end to end.
package main

import (
	"fmt"
	"os"

	"github.com/ObjatieGroba/gofibersched/async"
	"github.com/ObjatieGroba/gofibersched/ioloop"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	var port int
	var verbose bool

	root := &cobra.Command{
		Use:   "fiberecho",
		Short: "Run a fiber-scheduled TCP echo server",
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

			listenFD, err := listen(port)
			if err != nil {
				return fmt.Errorf("listen on port %d: %w", port, err)
			}
			defer unix.Close(listenFD)

			sc.Schedule(func() { serve(listenFD, logger) })

			logger.Info().Int("port", port).Msg("fiberecho listening")
			return async.Run(sc)
		},
	}

	root.Flags().IntVar(&port, "port", 8080, "TCP port to listen on")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug-level scheduler logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(listenFD int, logger zerolog.Logger) {
	for {
		clientFD, err := async.Accept(listenFD)
		if err != nil {
			logger.Error().Err(err).Msg("accept failed, stopping listener fiber")
			return
		}
		async.Schedule(func() { echo(clientFD, logger) })
	}
}

func echo(fd int, logger zerolog.Logger) {
	defer unix.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := async.Read(fd, buf)
		if err != nil {
			logger.Warn().Err(err).Int("fd", fd).Msg("echo read error")
			return
		}
		if n == 0 {
			return
		}
		if err := writeAll(fd, buf[:n]); err != nil {
			logger.Warn().Err(err).Int("fd", fd).Msg("echo write error")
			return
		}
	}
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

func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
