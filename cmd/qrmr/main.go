package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/credentials"
	"github.com/manash/qrmr/internal/display"
	"github.com/manash/qrmr/internal/history"
	"github.com/manash/qrmr/internal/metrics"
	"github.com/manash/qrmr/internal/provider"
	"github.com/manash/qrmr/internal/provider/builtin"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfigDir   string
	flagProfile     string
	flagVerbose     bool
	flagMetricsFile string
	flagEnvFile     string
	flagShow        bool
)

const defaultEnvFile = ".env"

type App struct {
	Out         io.Writer
	Err         io.Writer
	NewLogger   func(verbose bool) (*zap.Logger, error)
	NewRegistry func(creds credentials.File, opts builtin.Options) *provider.Registry
	Credentials func() (*credentials.Store, error)
	OpenHistory func() (*history.Store, error)
	ReadSecret  func(prompt string) (string, error)
	LoadEnv     func(path string) error
	GetEnv      func(key string) string

	logger  *zap.Logger
	metrics *metrics.Collector
}

func DefaultApp() *App {
	return &App{
		Out:         os.Stdout,
		Err:         os.Stderr,
		NewLogger:   newLogger,
		NewRegistry: builtin.NewRegistry,
		Credentials: credentials.NewStore,
		OpenHistory: history.NewStore,
		ReadSecret:  readSecret,
		LoadEnv:     loadEnv,
		GetEnv:      os.Getenv,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	err := newRootCmd(app).Execute()
	if ferr := app.finish(); err == nil {
		err = ferr
	}
	return err
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qrmr",
		Short: "QR watermarking, SEO naming and AI image generation",
		Long: `qrmr stamps a QR code and a text overlay onto images, names the results
with short SEO-friendly slugs and generates source images with AI providers.

Supported providers:
  - fal (FLUX, primary)
  - Ideogram (exact text rendering)
  - Stability AI (fallback)

Examples:
  qrmr slug "IMG_20250816 copper dormer (edited)"
  qrmr watermark -p salvo --input photos --output out
  qrmr generate -p salvo "a copper dormer on a slate roof"
  qrmr batch -p salvo prompts.txt`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&flagConfigDir, "config-dir", config.DefaultBaseDir, "directory holding profiles/ and app_settings.json")
	flags.StringVarP(&flagProfile, "profile", "p", "", "client profile slug (defaults to the last used profile)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&flagMetricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	flags.StringVar(&flagEnvFile, "env-file", defaultEnvFile, "dotenv file with provider keys")

	cmd.AddCommand(
		newSlugCmd(app),
		newRenameCmd(app),
		newWatermarkCmd(app),
		newWatchCmd(app),
		newGenerateCmd(app),
		newBatchCmd(app),
		newProvidersCmd(app),
		newKeysCmd(app),
		newProfilesCmd(app),
		newHistoryCmd(app),
	)
	return cmd
}

func (a *App) setup() error {
	if err := a.LoadEnv(flagEnvFile); err != nil {
		return err
	}
	logger, err := a.NewLogger(flagVerbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger
	a.metrics = metrics.NewCollector(metrics.DefaultNamespace, logger)
	return nil
}

func (a *App) finish() error {
	if a.logger != nil {
		defer a.logger.Sync()
	}
	if a.metrics == nil || flagMetricsFile == "" {
		return nil
	}
	return a.metrics.WriteTextfile(flagMetricsFile)
}

func (a *App) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// loadEnv reads path into the environment without overriding variables that
// are already set. A missing default file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) && path == defaultEnvFile {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// preview shows paths inline when --show is set. Preview failures only warn.
func (a *App) preview(paths []string) {
	if !flagShow || len(paths) == 0 {
		return
	}
	if !display.Supported(a.GetEnv) {
		fmt.Fprintln(a.Err, "Warning: terminal does not support inline images, skipping --show")
		return
	}
	p := display.New(a.Out)
	for _, path := range paths {
		if err := p.ShowFile(path); err != nil {
			fmt.Fprintf(a.Err, "Warning: cannot preview %s: %v\n", path, err)
		}
	}
}

func (a *App) configStore() *config.Store {
	return config.NewStore(flagConfigDir)
}

// loadProfile returns the selected profile, the last used one, or the
// built-in defaults when no profile has ever been used.
func (a *App) loadProfile() (*config.Profile, error) {
	store := a.configStore()
	name := flagProfile
	if name == "" {
		settings, err := store.LoadAppSettings()
		if err != nil {
			return nil, err
		}
		name = settings.LastUsedProfile
	}
	if name == "" {
		p := config.DefaultProfile()
		p.Profile.Name = "Default"
		p.Profile.Slug = "default"
		return &p, nil
	}

	p, err := store.LoadProfile(name)
	if err != nil {
		return nil, err
	}
	if err := store.UpdateRecentProfiles(name); err != nil {
		a.log().Warn("failed to update recent profiles", zap.Error(err))
	}
	return p, nil
}

func (a *App) loadCredentials() (credentials.File, error) {
	store, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	return store.Load()
}
