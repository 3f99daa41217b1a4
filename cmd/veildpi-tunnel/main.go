// Command veildpi-tunnel runs the in-process dataplane: a TUN device wired
// to the TCP and UDP relays through the tunnel packet loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veildpi/veildpi/protect"
	"github.com/veildpi/veildpi/relay"
	"github.com/veildpi/veildpi/tunnel"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("VEILDPI")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "veildpi-tunnel",
		Short: "Run the userspace DPI-bypass tunnel dataplane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}

	var cfgFile string
	root.Flags().StringVar(&cfgFile, "config", "", "optional YAML config file overlaying flag defaults")
	root.Flags().String("iface-addr", "10.99.99.10/24", "TUN address/subnet")
	root.Flags().Int("split-pos", 3, "byte offset at which TLS ClientHello first segments are split")
	root.Flags().Bool("disorder", false, "send the split TLS segments out of order")
	root.Flags().String("fake-payload-file", "", "path to a raw QUIC Initial fake payload; empty disables QUIC decoys")
	root.Flags().Int("fake-ttl", 3, "TTL used for injected QUIC decoy packets")
	root.Flags().Int("fake-repeats", 6, "number of QUIC decoy packets sent before the real one")
	root.Flags().Bool("verbose", false, "enable debug logging")

	bindFlag(v, root, "iface-addr")
	bindFlag(v, root, "split-pos")
	bindFlag(v, root, "disorder")
	bindFlag(v, root, "fake-payload-file")
	bindFlag(v, root, "fake-ttl")
	bindFlag(v, root, "fake-repeats")
	bindFlag(v, root, "verbose")

	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
		}
		return nil
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, name string) {
	_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	level := slog.LevelInfo
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tunAddrStr := v.GetString("iface-addr")
	iface, err := tunnel.NewLinuxTUN(tunAddrStr)
	if err != nil {
		return fmt.Errorf("create tunnel interface: %w", err)
	}

	tunAddr, err := cidrHostToUint32(tunAddrStr)
	if err != nil {
		iface.Close()
		return err
	}

	var fakePayload []byte
	if path := v.GetString("fake-payload-file"); path != "" {
		fakePayload, err = os.ReadFile(path)
		if err != nil {
			iface.Close()
			return fmt.Errorf("read fake payload file: %w", err)
		}
	}

	tcpCfg := relay.TCPConfig{
		SplitPos:    v.GetInt("split-pos"),
		UseDisorder: v.GetBool("disorder"),
		TunAddr:     tunAddr,
	}
	udpCfg := relay.UDPConfig{
		FakePayload: fakePayload,
		FakeTTL:     v.GetInt("fake-ttl"),
		FakeRepeats: v.GetInt("fake-repeats"),
		TunAddr:     tunAddr,
	}

	protector := protect.Protector(func(fd int) bool {
		logger.Debug("protecting socket", "fd", fd)
		return true
	})

	loop := tunnel.NewLoop(iface, tcpCfg, udpCfg, protector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.Info("received shutdown signal", "signal", s)
		cancel()
	}()

	logger.Info("tunnel running", "iface", iface.Name())
	loop.Run(ctx.Done())
	return nil
}

func cidrHostToUint32(cidr string) (uint32, error) {
	ip, _, err := parseCIDRHost(cidr)
	if err != nil {
		return 0, err
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3]), nil
}
