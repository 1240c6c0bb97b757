package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/remerge/cue"
	"github.com/remerge/cue/collector"
	"github.com/spf13/cobra"

	limitstream "github.com/remerge/go-limitstream"
)

var log = cue.NewLogger("limitstream")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "limitstream",
		Short: "cap the number of bytes flowing through a stream",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(logLevel)
			if err != nil {
				return err
			}
			cue.Collect(level, collector.Terminal{}.New())
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newPipeCmd(os.Stdin, os.Stdout))
	root.AddCommand(newServeCmd())
	return root
}

func parseLevel(s string) (cue.Level, error) {
	levels := map[string]cue.Level{
		"debug": cue.DEBUG,
		"info":  cue.INFO,
		"warn":  cue.WARN,
		"error": cue.ERROR,
	}
	level, ok := levels[strings.ToLower(s)]
	if !ok {
		return cue.OFF, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func newPipeCmd(in io.Reader, out io.Writer) *cobra.Command {
	var (
		limit     int64
		fail      bool
		chunkSize int
	)

	cmd := &cobra.Command{
		Use:   "pipe",
		Short: "copy stdin to stdout, forwarding at most --limit bytes",
		Long: `Copy stdin to stdout, forwarding at most --limit bytes.

Every read from stdin is one chunk. The chunk that would cross the limit is
dropped whole. The command exits as soon as the limit is reached, without
waiting for stdin to reach EOF; the rest of the input is left unread.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := limitstream.Terminate
			if fail {
				policy = limitstream.Fail
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			forwarded, err := pipe(ctx, in, out, limit, policy, chunkSize)
			log.Infof("forwarded %d bytes", forwarded)
			return err
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&limit, "limit", 0, "maximum number of bytes to forward")
	flags.BoolVar(&fail, "fail", false, "exit with an error instead of ending the output when the limit is exceeded")
	flags.IntVar(&chunkSize, "chunk-size", 32*1024, "size of the chunks read from the input")

	return cmd
}

// pipe runs in through a stage into out, one chunk per read.
func pipe(ctx context.Context, in io.Reader, out io.Writer, limit int64, policy limitstream.Policy, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		return 0, errors.Errorf("invalid chunk size %d", chunkSize)
	}

	stage, err := limitstream.NewStage(limit, policy)
	if err != nil {
		return 0, err
	}

	reads := readChunks(in, chunkSize)
	produce := func(ctx context.Context, chunks chan<- []byte) error {
		defer close(chunks)
		for {
			var r readResult
			select {
			case r = <-reads:
			case <-ctx.Done():
				// a read still blocked on in is abandoned
				return ctx.Err()
			}
			if len(r.data) > 0 {
				select {
				case chunks <- r.data:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if r.err == io.EOF {
				return nil
			}
			if r.err != nil {
				return errors.Wrap(r.err, "could not read input")
			}
		}
	}

	consume := func(ctx context.Context, chunks <-chan []byte) error {
		w := bufio.NewWriter(out)
		for chunk := range chunks {
			if _, err := w.Write(chunk); err != nil {
				return errors.Wrap(err, "could not write output")
			}
		}
		return w.Flush()
	}

	err = limitstream.Pipe(ctx, stage, produce, consume)
	return stage.Forwarded(), err
}

type readResult struct {
	data []byte
	err  error
}

// readChunks reads in on its own goroutine, so the pipeline can stop while a
// read is still blocked. Once the pipeline stops, the goroutine is left
// behind with the reader; the process is about to exit anyway.
func readChunks(in io.Reader, chunkSize int) <-chan readResult {
	reads := make(chan readResult, 1)
	go func() {
		for {
			buf := make([]byte, chunkSize)
			n, err := in.Read(buf)
			reads <- readResult{data: buf[:n], err: err}
			if err != nil {
				return
			}
		}
	}()
	return reads
}

func newServeCmd() *cobra.Command {
	var service *limitstream.Service

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "relay TCP clients to an upstream, reading at most --limit bytes per client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.Init(); err != nil {
				return err
			}
			log.Infof("relaying %s to upstream", service.Server.Addr())

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			sig := <-signals
			log.Infof("received %v, shutting down", sig)

			service.Shutdown(sig)
			return cue.Close(5 * time.Second)
		},
	}

	service = limitstream.NewService(cmd, limitstream.ServerConfig{
		DefaultPort: 7070,
		Limit:       1 << 20,
	})

	return cmd
}
