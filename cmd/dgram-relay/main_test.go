package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/dgram-relay/internal/certutil"
	"github.com/postalsys/dgram-relay/internal/config"
	"github.com/postalsys/dgram-relay/internal/logging"
	"github.com/postalsys/dgram-relay/internal/metrics"
	"github.com/postalsys/dgram-relay/internal/probe"
	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/sysinfo"
)

func parseRun(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()

	cmd := runCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v) error = %v", args, err)
	}

	var f runFlags
	flags := cmd.Flags()
	f.configPath, _ = flags.GetString("config")
	f.listen, _ = flags.GetString("listen")
	f.cert, _ = flags.GetString("cert")
	f.key, _ = flags.GetString("key")
	f.maxData, _ = flags.GetString("max-data")
	f.maxStreamData, _ = flags.GetString("max-stream-data")
	f.noRetry, _ = flags.GetBool("no-retry")
	f.appProto, _ = flags.GetString("app-proto")
	f.maxIdleTimeout, _ = flags.GetDuration("max-idle-timeout")
	f.logLevel, _ = flags.GetString("log-level")
	f.logFormat, _ = flags.GetString("log-format")

	return loadConfig(cmd, f)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parseRun(t)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	def := config.Default()
	if cfg.Server.Listen != def.Server.Listen {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, def.Server.Listen)
	}
	if !cfg.Admission.Retry {
		t.Error("retry should be enabled by default")
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
server:
  listen: "127.0.0.1:5000"
  app_proto: h3
transport:
  max_data: 4MB
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseRun(t,
		"-c", path,
		"--app-proto", "wq-vvv",
		"--no-retry",
		"--max-stream-data", "64KB",
		"--max-idle-timeout", "15s",
		"--log-format", "json",
	)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:5000" {
		t.Errorf("Server.Listen = %q, want value from file", cfg.Server.Listen)
	}
	if cfg.Server.AppProto != protocol.AppQuicTransport {
		t.Errorf("Server.AppProto = %q, want flag value", cfg.Server.AppProto)
	}
	if cfg.Admission.Retry {
		t.Error("--no-retry was not applied")
	}
	if cfg.Transport.MaxStreamData != 64000 {
		t.Errorf("Transport.MaxStreamData = %d", cfg.Transport.MaxStreamData)
	}
	if cfg.Transport.MaxData != 4000000 {
		t.Errorf("Transport.MaxData = %d, want value from file", cfg.Transport.MaxData)
	}
	if cfg.Transport.MaxIdleTimeout != 15*time.Second {
		t.Errorf("Transport.MaxIdleTimeout = %v", cfg.Transport.MaxIdleTimeout)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown app proto", []string{"--app-proto", "gopher"}},
		{"bad byte size", []string{"--max-data", "lots"}},
		{"cert without key", []string{"--cert", "/tmp/relay.crt"}},
		{"missing file", []string{"-c", "/nonexistent/relay.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseRun(t, tt.args...); err == nil {
				t.Errorf("loadConfig(%v) expected error", tt.args)
			}
		})
	}
}

func TestNewServerWithKey(t *testing.T) {
	cfg := config.Default()
	cfg.Admission.Key = strings.Repeat("ab", 32)

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv, err := newServer(cfg, logging.NopLogger(), m)
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	if srv.IsRunning() {
		t.Error("server should not be running before Serve")
	}
}

func TestNewServerBadKeyFile(t *testing.T) {
	cfg := config.Default()
	cfg.Admission.KeyFile = filepath.Join(t.TempDir(), "missing.key")

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	if _, err := newServer(cfg, logging.NopLogger(), m); err == nil {
		t.Error("newServer() expected error for missing key file")
	}
}

func TestServeAndProbe(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.SocketBuffer = 256 * 1024

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	srv, err := newServer(cfg, logging.NopLogger(), m)
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}

	pc, err := listen(cfg)
	if err != nil {
		t.Fatalf("listen() error = %v", err)
	}
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, pc) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	result := probe.Probe(context.Background(), probe.Options{
		Address:  pc.LocalAddr().String(),
		AppProto: protocol.AppSiduck,
		Timeout:  5 * time.Second,
	})
	if !result.Success {
		t.Fatalf("probe failed: %v (%s)", result.Error, result.ErrorDetail)
	}
	if !result.Retried {
		t.Error("probe should have been asked to retry")
	}
	if result.Reply != "quack-ack" {
		t.Errorf("Reply = %q, want %q", result.Reply, "quack-ack")
	}
}

func TestNewHealthServerTLSRequiresFiles(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Enabled = true
	cfg.Health.TLS = true
	cfg.TLS = config.TLSConfig{
		Cert: filepath.Join(t.TempDir(), "missing.crt"),
		Key:  filepath.Join(t.TempDir(), "missing.key"),
	}

	if _, err := newHealthServer(cfg, nil, logging.NopLogger()); err == nil {
		t.Error("newHealthServer() expected error for missing certificate")
	}
}

func TestNewHealthServerWarnsExpiringCert(t *testing.T) {
	dir := t.TempDir()
	opts := certutil.DefaultOptions("localhost")
	opts.ValidFor = 24 * time.Hour
	cert, err := certutil.GenerateSelfSigned(opts)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	certPath := filepath.Join(dir, "health.crt")
	keyPath := filepath.Join(dir, "health.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles: %v", err)
	}

	cfg := config.Default()
	cfg.Health.Enabled = true
	cfg.Health.TLS = true
	cfg.TLS = config.TLSConfig{Cert: certPath, Key: keyPath}

	var buf bytes.Buffer
	logger := logging.NewLoggerWithWriter("warn", "text", &buf)
	if _, err := newHealthServer(cfg, nil, logger); err != nil {
		t.Fatalf("newHealthServer: %v", err)
	}
	if !strings.Contains(buf.String(), "health certificate expires soon") {
		t.Errorf("no expiry warning logged: %q", buf.String())
	}

	buf.Reset()
	opts.ValidFor = 365 * 24 * time.Hour
	if cert, err = certutil.GenerateSelfSigned(opts); err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles: %v", err)
	}
	if _, err := newHealthServer(cfg, nil, logger); err != nil {
		t.Fatalf("newHealthServer: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %q", buf.String())
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := fmt.Sprintf("dgram-relay %s (%s %s/%s)\n", sysinfo.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if got := out.String(); got != want {
		t.Errorf("version output = %q", got)
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"run": false, "init": false, "probe": false, "loadtest": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %q subcommand", name)
		}
	}
}
