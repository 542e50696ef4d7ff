// Package wizard provides an interactive setup wizard for dgram-relay.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/dgram-relay/internal/certutil"
	"github.com/postalsys/dgram-relay/internal/config"
	"github.com/postalsys/dgram-relay/internal/connid"
	"github.com/postalsys/dgram-relay/internal/protocol"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	KeyFile    string
}

// answers collects everything the forms ask for.
type answers struct {
	ConfigPath string
	Listen     string
	AppProto   string

	Retry      bool
	PersistKey bool
	KeyFile    string

	IdleTimeout time.Duration
	Datagrams   bool

	HealthEnabled bool
	HealthAddress string
	HealthTLS     bool
	TLS           config.TLSConfig

	LogLevel  string
	LogFormat string
}

func defaultAnswers() answers {
	def := config.Default()
	return answers{
		ConfigPath:    "./dgram-relay.yaml",
		Listen:        def.Server.Listen,
		AppProto:      def.Server.AppProto,
		Retry:         def.Admission.Retry,
		PersistKey:    true,
		IdleTimeout:   def.Transport.MaxIdleTimeout,
		Datagrams:     def.Transport.Datagrams,
		HealthAddress: def.Health.Address,
		LogLevel:      def.Log.Level,
		LogFormat:     def.Log.Format,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	steps := []func(*answers) error{
		w.askBasicSetup,
		w.askAdmission,
		w.askTransport,
		w.askHealth,
		w.askLogging,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	if a.HealthTLS && !a.TLS.HasCertAndKey() {
		tlsCfg, err := w.generateCertificates(filepath.Join(filepath.Dir(a.ConfigPath), "certs"))
		if err != nil {
			return nil, err
		}
		a.TLS = tlsCfg
	}

	if a.PersistKey {
		a.KeyFile = filepath.Join(filepath.Dir(a.ConfigPath), "session.key")
		if err := writeKeyFile(a.KeyFile); err != nil {
			return nil, err
		}
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		KeyFile:    a.KeyFile,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
     _                                 _
  __| | __ _ _ __ __ _ _ __ ___    _ _ ___| | __ _ _   _
 / _' |/ _' | '__/ _' | '_ ' _ \  | '_/ -_) |/ _' | | | |
 \__,_|\__, |_|  \__,_|_| |_| |_| |_| \___|_|\__,_|\_, |
       |___/                                        |__/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP session relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where the relay listens and what it serves."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./dgram-relay.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address to bind (host:port)").
				Placeholder("127.0.0.1:4433").
				Value(&a.Listen).
				Validate(validateListen),

			huh.NewSelect[string]().
				Title("Application Protocol").
				Options(
					huh.NewOption("siduck (quack echo over datagrams)", protocol.AppSiduck),
					huh.NewOption("wq-vvv (client indication and stream relay)", protocol.AppQuicTransport),
					huh.NewOption("h3 (flow datagram relay)", protocol.AppHTTP3),
				).
				Value(&a.AppProto),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdmission(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Admission").
				Description("Address validation and session identifiers."),

			huh.NewConfirm().
				Title("Require retry?").
				Description("Clients must echo a retry token before a session is created").
				Value(&a.Retry),

			huh.NewConfirm().
				Title("Persist the session-id key?").
				Description("Writes a key file so derived IDs survive restarts").
				Value(&a.PersistKey),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askTransport(a *answers) error {
	idle := a.IdleTimeout.String()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Transport").
				Description("Parameters offered to every client."),

			huh.NewInput().
				Title("Idle Timeout").
				Description("Close sessions that were silent this long (e.g. 30s, 2m)").
				Placeholder("60s").
				Value(&idle).
				Validate(validateDuration),

			huh.NewConfirm().
				Title("Enable datagrams?").
				Description("Required by siduck and h3").
				Value(&a.Datagrams),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	d, err := time.ParseDuration(idle)
	if err != nil {
		return err
	}
	a.IdleTimeout = d
	return nil
}

func (w *Wizard) askHealth(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Health Endpoint").
				Description("HTTP endpoint for monitoring (/health, /healthz, /ready, /metrics)"),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.HealthEnabled {
		return nil
	}

	detail := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Health Address").
				Placeholder("127.0.0.1:8080").
				Value(&a.HealthAddress).
				Validate(validateListen),

			huh.NewConfirm().
				Title("Serve over HTTPS?").
				Description("A self-signed certificate is generated if you have none").
				Value(&a.HealthTLS),
		),
	).WithTheme(w.theme)

	return detail.Run()
}

func (w *Wizard) askLogging(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Logging"),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.LogFormat),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) generateCertificates(certsDir string) (config.TLSConfig, error) {
	commonName := "dgram-relay"
	validDays := "90"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificate").
				Description("A self-signed certificate for the health endpoint."),

			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Placeholder("dgram-relay").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("90").
				Value(&validDays).
				Validate(validatePositiveInt),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	days, _ := strconv.Atoi(validDays)
	return generateCertificate(certsDir, commonName, time.Duration(days)*24*time.Hour)
}

// generateCertificate writes a self-signed pair into certsDir.
func generateCertificate(certsDir, commonName string, validFor time.Duration) (config.TLSConfig, error) {
	opts := certutil.DefaultOptions(commonName)
	opts.ValidFor = validFor

	cert, err := certutil.GenerateSelfSigned(opts)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "health.crt")
	keyPath := filepath.Join(certsDir, "health.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to save certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n\n", cert.Fingerprint())

	return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
}

// writeKeyFile writes a fresh hex encoded session-id key readable only by
// its owner.
func writeKeyFile(path string) error {
	key := make([]byte, connid.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate session key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write session key: %w", err)
	}
	return nil
}

func buildConfig(a answers) *config.Config {
	cfg := config.Default()

	cfg.Server.Listen = a.Listen
	cfg.Server.AppProto = a.AppProto

	cfg.Transport.MaxIdleTimeout = a.IdleTimeout
	cfg.Transport.Datagrams = a.Datagrams

	cfg.Admission.Retry = a.Retry
	cfg.Admission.KeyFile = a.KeyFile

	cfg.TLS = a.TLS

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled {
		cfg.Health.Address = a.HealthAddress
		cfg.Health.TLS = a.HealthTLS
	}

	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = a.LogFormat

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# dgram-relay configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listen:       udp://%s (%s)\n", cfg.Server.Listen, cfg.Server.AppProto)
	fmt.Printf("  Retry:        %v\n", cfg.Admission.Retry)
	if cfg.Admission.KeyFile != "" {
		fmt.Printf("  Session key:  %s\n", cfg.Admission.KeyFile)
	}

	if cfg.Health.Enabled {
		scheme := "http"
		if cfg.Health.TLS {
			scheme = "https"
		}
		fmt.Printf("  Health:       %s://%s/health\n", scheme, cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    dgram-relay run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	ext := strings.ToLower(filepath.Ext(s))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateListen(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if host != "" && net.ParseIP(host) == nil {
		return fmt.Errorf("host must be an IP address")
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}
