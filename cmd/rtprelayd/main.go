// Command rtprelayd is the daemon entrypoint: it wires config, logging,
// the interface registry, the NG control-plane server, firewall and
// persistence integrations, and runs until told to stop (SPEC_FULL §4).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dataandsignal/rtpengine/internal/config"
	"github.com/dataandsignal/rtpengine/internal/firewall"
	"github.com/dataandsignal/rtpengine/internal/iface"
	"github.com/dataandsignal/rtpengine/internal/logging"
	"github.com/dataandsignal/rtpengine/internal/ngcontrol"
	"github.com/dataandsignal/rtpengine/internal/persistence"
)

var version = "dev"

var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rtprelayd",
	Short: "Media packet-forwarding core of a SIP/WebRTC media relay",
	Long: `rtprelayd terminates UDP media on local sockets, decrypts and
re-encrypts SRTP/SRTCP, strips RTCP feedback extensions, learns peer
addresses, forwards datagrams, and offloads to a kernel fast path when
safe. Call setup arrives over the NG control protocol; the SDP/signaling
plane, DTLS handshake, ICE agent and kernel module itself stay external
collaborators.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if globalVerbose {
			level = "debug"
		}
		globalLogger = logging.New(logging.Options{Level: level, Pretty: true})
		return nil
	},
	RunE: runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "/etc/rtprelayd/config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.Component(globalLogger, "daemon")

	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return fmt.Errorf("rtprelayd: %w", err)
	}

	entries, errs := cfg.InterfaceEntries()
	for _, e := range errs {
		log.Warn().Err(e).Msg("rtprelayd: skipping misconfigured interface entry")
	}
	if len(entries) == 0 {
		return fmt.Errorf("rtprelayd: no usable interface entries")
	}
	registry := iface.NewRegistry(entries)

	var fw firewall.Firewall
	if cfg.FirewallEnabled {
		fw = firewall.New(logging.Component(globalLogger, "firewall"))
	} else {
		fw = firewall.NewNoop(logging.Component(globalLogger, "firewall"))
	}
	registry.SetFirewall(fw)

	if cfg.PersistenceEnabled {
		log.Warn().Msg("rtprelayd: persistence_enabled is set but no backend is configured, using no-op")
	}
	store := persistence.NewNoop(logging.Component(globalLogger, "persistence"))

	ngAddr, err := net.ResolveUDPAddr("udp", cfg.NGListen)
	if err != nil {
		return fmt.Errorf("rtprelayd: parse ng_listen %q: %w", cfg.NGListen, err)
	}
	server, err := ngcontrol.NewServer(ngAddr, registry, logging.Component(globalLogger, "ngcontrol"))
	if err != nil {
		return fmt.Errorf("rtprelayd: bind ng control listener: %w", err)
	}
	server.SetPersister(store)
	defer server.Close()

	log.Info().Str("ng_listen", server.LocalAddr().String()).Int("interfaces", len(entries)).Msg("rtprelayd: starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("rtprelayd: serve: %w", err)
	}
	log.Info().Msg("rtprelayd: shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
