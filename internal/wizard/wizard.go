// Package wizard provides an interactive setup wizard for the Metroo relay.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/metroo-relay/internal/auth"
	"github.com/postalsys/metroo-relay/internal/config"
	"github.com/postalsys/metroo-relay/internal/crypto"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	UsersPath  string
	Users      map[string][crypto.KeySize]byte
}

// answers collects everything the forms ask for.
type answers struct {
	configPath    string
	usersPath     string
	listenAddr    string
	portMin       string
	portMax       string
	upstream      string
	allowUnsafe   bool
	usernames     string
	logLevel      string
	healthEnabled bool
}

func defaultAnswers() answers {
	def := config.Default()
	return answers{
		configPath: "./config.yaml",
		usersPath:  def.Auth.UsersFile,
		listenAddr: def.Relay.Listen,
		portMin:    strconv.Itoa(int(def.Relay.PortRange.Min)),
		portMax:    strconv.Itoa(int(def.Relay.PortRange.Max)),
		logLevel:   def.Log.Level,
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

	// Step 1: Files
	if err := w.askFiles(&a); err != nil {
		return nil, err
	}

	// Step 2: Network
	if err := w.askNetwork(&a); err != nil {
		return nil, err
	}

	// Step 3: Users and encryption
	if err := w.askUsers(&a); err != nil {
		return nil, err
	}

	// Step 4: Logging and monitoring
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	users, err := generateUsers(parseUsernames(a.usernames))
	if err != nil {
		return nil, err
	}

	if err := writeUsers(users, a.usersPath); err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a, cfg, users)

	return &Result{
		Config:     cfg,
		ConfigPath: a.configPath,
		UsersPath:  a.usersPath,
		Users:      users,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  __  __      _                    ____      _
 |  \/  | ___| |_ _ __ ___   ___  |  _ \ ___| | __ _ _   _
 | |\/| |/ _ \ __| '__/ _ \ / _ \ | |_) / _ \ |/ _' | | | |
 | |  | |  __/ |_| | | (_) | (_) ||  _ <  __/ | (_| | |_| |
 |_|  |_|\___|\__|_|  \___/ \___/ |_| \_\___|_|\__,_|\__, |
                                                     |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Encrypted UDP Tunneling Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askFiles(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Files").
				Description("Where to write the relay configuration and its users."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&a.configPath).
				Validate(validateYAMLPath),

			huh.NewInput().
				Title("Users File Path").
				Description("Pre-shared keys, one per user. Keep it private.").
				Placeholder("./users.yaml").
				Value(&a.usersPath).
				Validate(validateYAMLPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetwork(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network").
				Description("Clients send CLIENTHELLO to the control address. Each session\ngets a port from the range below."),

			huh.NewInput().
				Title("Control Address").
				Placeholder("0.0.0.0:7835").
				Value(&a.listenAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("First Session Port").
				Value(&a.portMin).
				Validate(validatePort),

			huh.NewInput().
				Title("Last Session Port").
				Value(&a.portMax).
				Validate(validatePort),

			huh.NewInput().
				Title("Upstream Address").
				Description("Where decrypted payloads go (host:port). Leave empty to echo them back.").
				Placeholder("10.0.0.1:51820").
				Value(&a.upstream).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateHostPort(s)
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askUsers(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Users").
				Description("A random 32-byte key is generated for every user."),

			huh.NewText().
				Title("Usernames").
				Description("Separated by commas or new lines").
				Value(&a.usernames).
				Validate(func(s string) error {
					if len(parseUsernames(s)) == 0 {
						return fmt.Errorf("at least one user is required")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Allow unencrypted sessions?").
				Description("Only for testing. Payloads travel in clear text.").
				Value(&a.allowUnsafe),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.healthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func buildConfig(a answers) (*config.Config, error) {
	cfg := config.Default()

	portMin, err := parsePort(a.portMin)
	if err != nil {
		return nil, err
	}
	portMax, err := parsePort(a.portMax)
	if err != nil {
		return nil, err
	}

	cfg.Relay.Listen = a.listenAddr
	cfg.Relay.PortRange = config.PortRangeConfig{Min: portMin, Max: portMax}
	cfg.Relay.Upstream = strings.TrimSpace(a.upstream)
	cfg.Relay.AllowUnsafe = a.allowUnsafe
	cfg.Auth.UsersFile = a.usersPath
	cfg.Log.Level = a.logLevel
	cfg.Log.Format = "text"

	cfg.Health.Enabled = a.healthEnabled
	if a.healthEnabled {
		cfg.Health.Address = ":8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseUsernames splits on commas and new lines, dropping blanks and
// duplicates. The result is sorted.
func parseUsernames(s string) []string {
	seen := make(map[string]bool)
	var names []string

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	for _, f := range fields {
		name := strings.TrimSpace(f)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func generateUsers(names []string) (map[string][crypto.KeySize]byte, error) {
	users := make(map[string][crypto.KeySize]byte, len(names))
	for _, name := range names {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		users[name] = key
	}
	return users, nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Metroo Relay Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func writeUsers(users map[string][crypto.KeySize]byte, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}

	data, err := auth.Marshal(users)
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(a answers, cfg *config.Config, users map[string][crypto.KeySize]byte) {
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

	fmt.Printf("  Config file:  %s\n", a.configPath)
	fmt.Printf("  Users file:   %s\n", a.usersPath)
	fmt.Printf("  Control:      udp://%s\n", cfg.Relay.Listen)
	fmt.Printf("  Ports:        %d-%d\n", cfg.Relay.PortRange.Min, cfg.Relay.PortRange.Max)
	if cfg.Relay.Upstream != "" {
		fmt.Printf("  Upstream:     %s\n", cfg.Relay.Upstream)
	} else {
		fmt.Printf("  Upstream:     (echo)\n")
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	fmt.Println()

	fmt.Println("  Client keys (share each over a secure channel):")
	for _, name := range sortedNames(users) {
		fmt.Printf("    %-12s %s\n", name, auth.FormatKey(users[name]))
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    metroo-relay run -c %s\n", a.configPath)
	fmt.Println()
}

func sortedNames(users map[string][crypto.KeySize]byte) []string {
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateYAMLPath(s string) error {
	if s == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port: %v", err)
	}
	return nil
}

func validatePort(s string) error {
	_, err := parsePort(s)
	return err
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port: %q", s)
	}
	return uint16(p), nil
}
