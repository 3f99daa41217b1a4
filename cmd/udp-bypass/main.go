// Command udp-bypass is the standalone raw-socket decoy dataplane: a
// point-to-point tunnel paired with a raw UDP socket, for deployments that
// route UDP traffic to it directly (e.g. via a firewall route-to rule)
// instead of embedding the relay dataplane in-process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veildpi/veildpi/decoy"
)

func main() {
	// The parent GUI may close our stdout/stderr pipe on crash; without this
	// a subsequent write to it would kill the process on SIGPIPE instead of
	// just failing that write.
	signal.Ignore(syscall.SIGPIPE)

	var (
		fakeQUICPath     string
		fakeTTL          int
		repeats          int
		verbose          bool
		ignoredUtunStart int
	)

	root := &cobra.Command{
		Use:           "udp-bypass",
		Short:         "Raw-socket UDP/QUIC DPI bypass dataplane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBypass(cmd, fakeQUICPath, fakeTTL, repeats, verbose)
		},
	}

	root.Flags().StringVar(&fakeQUICPath, "fake-quic", "", "fake QUIC Initial payload file (.bin)")
	root.Flags().IntVar(&fakeTTL, "fake-ttl", 3, "TTL for fake packets (1-255)")
	root.Flags().IntVar(&repeats, "repeats", 6, "number of fake packet repeats (1-100)")
	root.Flags().IntVar(&ignoredUtunStart, "utun-start", 20, "unused on Linux; accepted for CLI compatibility")
	root.Flags().MarkHidden("utun-start") //nolint:errcheck
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "udp-bypass:", err)
		os.Exit(1)
	}
}

func runBypass(cmd *cobra.Command, fakeQUICPath string, fakeTTL, repeats int, verbose bool) error {
	if fakeTTL < 1 || fakeTTL > 255 {
		return fmt.Errorf("invalid fake-ttl: %d (must be 1..255)", fakeTTL)
	}
	if repeats < 1 || repeats > 100 {
		return fmt.Errorf("invalid repeats: %d (must be 1..100)", repeats)
	}

	if os.Geteuid() != 0 {
		return fmt.Errorf("udp-bypass must run as root")
	}

	pf, err := decoy.AcquirePIDFile(decoy.DefaultPIDFile)
	if err != nil {
		return err
	}
	defer pf.Release()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var fakePayload []byte
	if fakeQUICPath != "" {
		fakePayload, err = os.ReadFile(fakeQUICPath)
		if err != nil {
			return fmt.Errorf("read fake quic payload: %w", err)
		}
		if len(fakePayload) == 0 || len(fakePayload) > 4096 {
			return fmt.Errorf("invalid fake payload size: %d (must be 1..4096)", len(fakePayload))
		}
		logger.Debug("loaded fake QUIC payload", "bytes", len(fakePayload))
	}

	tun, err := decoy.NewPointToPointTUN(decoy.DefaultLocalAddr, decoy.DefaultPeerAddr)
	if err != nil {
		return fmt.Errorf("create tunnel: %w", err)
	}
	defer tun.Close()

	// The GUI/parent process parses this line from stdout to learn which
	// interface was created.
	fmt.Printf("UTUN:%s\n", tun.Name())

	emitter, err := decoy.NewEmitter(tun, decoy.Config{
		FakePayload: fakePayload,
		FakeTTL:     fakeTTL,
		Repeats:     repeats,
		Verbose:     verbose,
	}, logger)
	if err != nil {
		return fmt.Errorf("create raw socket: %w", err)
	}
	defer emitter.Close()

	logger.Info("running", "iface", tun.Name(), "fake_ttl", fakeTTL, "repeats", repeats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = emitter.Run(ctx)
	logger.Info("shutting down")
	return err
}
