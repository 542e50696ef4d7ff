// Package main provides the CLI entry point for the dgram-relay UDP relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dgram-relay/internal/certutil"
	"github.com/postalsys/dgram-relay/internal/config"
	"github.com/postalsys/dgram-relay/internal/connid"
	"github.com/postalsys/dgram-relay/internal/demux"
	"github.com/postalsys/dgram-relay/internal/health"
	"github.com/postalsys/dgram-relay/internal/loadtest"
	"github.com/postalsys/dgram-relay/internal/logging"
	"github.com/postalsys/dgram-relay/internal/metrics"
	"github.com/postalsys/dgram-relay/internal/probe"
	"github.com/postalsys/dgram-relay/internal/server"
	"github.com/postalsys/dgram-relay/internal/sysinfo"
	"github.com/postalsys/dgram-relay/internal/transport"
	"github.com/postalsys/dgram-relay/internal/wizard"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dgram-relay",
		Short: "dgram-relay - UDP session relay",
		Long: `dgram-relay accepts QUIC-shaped sessions over UDP and answers them
with one of three sub-protocols: datagram echo (siduck), stream relay
after a client indication (wq-vvv) and flow datagram relay (h3).

Clients are validated with stateless retry tokens and every session is
addressed by an identifier derived from a keyed hash.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(loadtestCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// runFlags are command line overrides for the configuration file.
type runFlags struct {
	configPath     string
	listen         string
	cert           string
	key            string
	maxData        string
	maxStreamData  string
	noRetry        bool
	appProto       string
	maxIdleTimeout time.Duration
	logLevel       string
	logFormat      string
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the configuration file and command line overrides.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "UDP address to listen on")
	cmd.Flags().StringVar(&f.cert, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&f.key, "key", "", "TLS private key file")
	cmd.Flags().StringVar(&f.maxData, "max-data", "", "Connection flow control limit (e.g. 10MB)")
	cmd.Flags().StringVar(&f.maxStreamData, "max-stream-data", "", "Per-stream flow control limit (e.g. 1MB)")
	cmd.Flags().BoolVar(&f.noRetry, "no-retry", false, "Admit clients without address validation")
	cmd.Flags().StringVar(&f.appProto, "app-proto", "", "Application protocol: siduck, wq-vvv or h3")
	cmd.Flags().DurationVar(&f.maxIdleTimeout, "max-idle-timeout", 0, "Close sessions idle for this long")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format: text, json")

	return cmd
}

// loadConfig reads the configuration file, if any, applies the flags that
// were set and validates the result.
func loadConfig(cmd *cobra.Command, f runFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = f.listen
	}
	if flags.Changed("cert") {
		cfg.TLS.Cert = f.cert
	}
	if flags.Changed("key") {
		cfg.TLS.Key = f.key
	}
	if flags.Changed("max-data") {
		v, err := config.ParseByteSize(f.maxData)
		if err != nil {
			return nil, fmt.Errorf("--max-data: %w", err)
		}
		cfg.Transport.MaxData = v
	}
	if flags.Changed("max-stream-data") {
		v, err := config.ParseByteSize(f.maxStreamData)
		if err != nil {
			return nil, fmt.Errorf("--max-stream-data: %w", err)
		}
		cfg.Transport.MaxStreamData = v
	}
	if flags.Changed("no-retry") {
		cfg.Admission.Retry = !f.noRetry
	}
	if flags.Changed("app-proto") {
		cfg.Server.AppProto = f.appProto
	}
	if flags.Changed("max-idle-timeout") {
		cfg.Transport.MaxIdleTimeout = f.maxIdleTimeout
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newServer assembles the relay described by cfg.
func newServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*server.Server, error) {
	params, err := cfg.TransportParams()
	if err != nil {
		return nil, err
	}

	key, err := cfg.SessionKey()
	if err != nil {
		return nil, err
	}
	var deriver *connid.Deriver
	if key != nil {
		deriver, err = connid.NewDeriver(key)
	} else {
		deriver, err = connid.NewRandomDeriver()
	}
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}

	scfg := server.DefaultConfig()
	scfg.Acceptor = transport.NewPlain(params)
	scfg.Deriver = deriver
	scfg.Retry = cfg.Admission.Retry
	scfg.RateLimit = cfg.Admission.RateLimit
	scfg.Burst = cfg.Admission.Burst
	scfg.RetireFor = cfg.Admission.RetireFor
	scfg.ReadBatch = cfg.Server.ReadBatch
	scfg.MaxUDPPayload = params.MaxUDPPayload
	scfg.Demux = demux.Options{
		FirstUniStream:  cfg.Streams.FirstUni,
		UniStreamStep:   cfg.Streams.Step,
		MaxDatagramSize: demux.DefaultOptions().MaxDatagramSize,
	}
	scfg.Logger = logger
	scfg.Metrics = m

	return server.New(scfg)
}

// listen binds the relay socket and applies the configured buffer sizes.
func listen(cfg *config.Config) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	if size := int(cfg.Server.SocketBuffer); size > 0 {
		if udp, ok := pc.(*net.UDPConn); ok {
			if err := udp.SetReadBuffer(size); err != nil {
				pc.Close()
				return nil, fmt.Errorf("set receive buffer: %w", err)
			}
			if err := udp.SetWriteBuffer(size); err != nil {
				pc.Close()
				return nil, fmt.Errorf("set send buffer: %w", err)
			}
		}
	}

	return pc, nil
}

// newHealthServer creates the HTTP health endpoint for srv.
// certExpiryWarning is how close to expiry a health certificate gets
// before startup warns about it.
const certExpiryWarning = 14 * 24 * time.Hour

func newHealthServer(cfg *config.Config, srv *server.Server, logger *slog.Logger) (*health.Server, error) {
	hcfg := health.DefaultServerConfig()
	hcfg.Address = cfg.Health.Address
	hcfg.ReadTimeout = cfg.Health.ReadTimeout
	hcfg.WriteTimeout = cfg.Health.WriteTimeout

	if cfg.Health.TLS {
		tlsCfg, err := certutil.ServerTLSConfig(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("health TLS: %w", err)
		}
		if cert, err := certutil.Load(cfg.TLS.Cert, cfg.TLS.Key); err == nil &&
			certutil.IsExpiringSoon(cert.Certificate, certExpiryWarning) {
			logger.Warn("health certificate expires soon",
				slog.String("fingerprint", cert.Fingerprint()),
				slog.Time("not_after", cert.Certificate.NotAfter))
		}
		hcfg.TLSConfig = tlsCfg
	}

	return health.NewServer(hcfg, srv, logger), nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	srv, err := newServer(cfg, logger, metrics.Default())
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	pc, err := listen(cfg)
	if err != nil {
		return err
	}
	defer pc.Close()

	if cfg.Health.Enabled {
		hs, err := newHealthServer(cfg, srv, logger)
		if err != nil {
			return err
		}
		if err := hs.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer hs.Stop()
	}

	logger.Info("starting dgram-relay",
		slog.String(logging.KeyVersion, sysinfo.Version),
		slog.String("listen", pc.LocalAddr().String()),
		slog.String("app_proto", cfg.Server.AppProto),
		slog.Bool("retry", cfg.Admission.Retry),
		slog.Bool("health", cfg.Health.Enabled))

	if err := srv.Serve(ctx, pc); err != nil {
		return fmt.Errorf("relay failed: %w", err)
	}

	stats := srv.Stats()
	logger.Info("dgram-relay stopped",
		slog.Uint64("admitted", stats.SessionsAdmitted),
		slog.String("received", humanize.Bytes(stats.BytesReceived)),
		slog.String("sent", humanize.Bytes(stats.BytesSent)))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file, session key and optional health certificate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func probeCmd() *cobra.Command {
	opts := probe.Options{
		Timeout:  10 * time.Second,
		AppProto: "siduck",
		Message:  "hello",
	}

	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Check that a relay answers",
		Long:  "Connect to a relay, complete the handshake and run one exchange of the selected sub-protocol.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result := probe.Probe(ctx, opts)

			out := cmd.OutOrStdout()
			if !result.Success {
				fmt.Fprintf(out, "FAIL %s (%s)\n", result.Address, result.AppProto)
				fmt.Fprintf(out, "  %s\n", result.ErrorDetail)
				return result.Error
			}

			fmt.Fprintf(out, "OK   %s (%s)\n", result.Address, result.ALPN)
			fmt.Fprintf(out, "  Reply:      %q\n", result.Reply)
			fmt.Fprintf(out, "  Retried:    %v\n", result.Retried)
			fmt.Fprintf(out, "  Handshake:  %s\n", result.HandshakeRTT.Round(time.Microsecond))
			fmt.Fprintf(out, "  RTT:        %s\n", result.RTT.Round(time.Microsecond))
			fmt.Fprintf(out, "  Traffic:    %s sent, %s received\n",
				humanize.Bytes(result.Stats.BytesSent), humanize.Bytes(result.Stats.BytesRecv))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.AppProto, "app-proto", opts.AppProto, "Application protocol: siduck, wq-vvv or h3")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", opts.Timeout, "Probe timeout")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", opts.Message, "Payload to send")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "Origin sent in the client indication (wq-vvv)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "Path sent in the client indication (wq-vvv)")
	cmd.Flags().Uint64Var(&opts.FlowID, "flow-id", 0, "Flow ID for datagram relay (h3)")

	return cmd
}

func loadtestCmd() *cobra.Command {
	var (
		concurrency int
		duration    time.Duration
	)
	opts := probe.Options{
		Timeout:  5 * time.Second,
		AppProto: "siduck",
	}

	cmd := &cobra.Command{
		Use:   "loadtest <address>",
		Short: "Open sessions against a relay as fast as possible",
		Long:  "Run concurrent workers that each open a session, complete one exchange and close it, then report the session rate and latency.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tester := loadtest.NewChurnTester(concurrency, duration)
			m, err := tester.Run(ctx, loadtest.ProbeSession(opts))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sessions:   %s total, %s ok, %s failed\n",
				humanize.Comma(m.TotalSessions), humanize.Comma(m.SuccessfulSessions), humanize.Comma(m.FailedSessions))
			fmt.Fprintf(out, "Rate:       %.1f sessions/s over %s\n", m.SessionsPerSecond, m.Duration.Round(time.Millisecond))
			fmt.Fprintf(out, "Latency:    min %.2fms avg %.2fms max %.2fms\n", m.MinLatencyMs, m.AvgLatencyMs, m.MaxLatencyMs)
			for detail, n := range m.Errors {
				fmt.Fprintf(out, "  %6d  %s\n", n, detail)
			}

			if m.SuccessfulSessions == 0 && m.TotalSessions > 0 {
				return fmt.Errorf("all %d sessions failed", m.TotalSessions)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 8, "Concurrent workers")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "Test duration")
	cmd.Flags().StringVar(&opts.AppProto, "app-proto", opts.AppProto, "Application protocol: siduck, wq-vvv or h3")
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", opts.Timeout, "Per-session timeout")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "dgram-relay %s (%s %s/%s)\n", info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}
