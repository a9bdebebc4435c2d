package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/batch"
	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/generation"
	"github.com/manash/qrmr/internal/history"
	"github.com/manash/qrmr/internal/image"
	"github.com/manash/qrmr/internal/provider/builtin"
)

var (
	flagNegative    string
	flagCount       int
	flagSize        string
	flagStyle       string
	flagExactText   []string
	flagTextStrict  bool
	flagSeed        int64
	flagGenOutput   string
	flagPrefix      string
	flagAPIKeys     map[string]string
	flagMaxRetries  int
	flagNoHistory   bool
	flagParallel    int
	flagStopOnError bool
)

func addProviderFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagGenOutput, "output", "o", "", "output directory (defaults to the profile's generation_output_dir)")
	cmd.Flags().StringToStringVar(&flagAPIKeys, "api-key", nil, "provider API key, e.g. --api-key fal=KEY (overrides credentials file and env)")
	cmd.Flags().IntVar(&flagMaxRetries, "max-retries", 0, "HTTP attempts per provider call (0 uses the provider default)")
	cmd.Flags().BoolVar(&flagNoHistory, "no-history", false, "do not record generations in the history database")
}

func newGenerateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate images with the profile's providers",
		Long: `Generate images with the profile's primary provider, falling back to the
fallback provider when the primary fails. Requests with exact text go to the
text-strict provider when the profile (or --text-strict) enables it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, args, app)
		},
	}

	cmd.Flags().StringVar(&flagNegative, "negative", "", "negative prompt")
	cmd.Flags().BoolVar(&flagShow, "show", false, "preview saved images inline (kitty, Ghostty, WezTerm, iTerm2)")
	cmd.Flags().IntVarP(&flagCount, "count", "n", 0, "number of images (defaults to the profile's count)")
	cmd.Flags().StringVarP(&flagSize, "size", "s", "", "image size WxH (defaults to the profile's size)")
	cmd.Flags().StringVar(&flagStyle, "style", "", "style hint")
	cmd.Flags().StringSliceVar(&flagExactText, "exact-text", nil, "text that must appear in the image (repeatable)")
	cmd.Flags().BoolVar(&flagTextStrict, "text-strict", false, "route exact-text requests to the text-strict provider")
	cmd.Flags().Int64Var(&flagSeed, "seed", -1, "random seed (-1 lets the provider choose)")
	cmd.Flags().StringVar(&flagPrefix, "prefix", image.DefaultPrefix, "filename prefix")
	addProviderFlags(cmd)
	return cmd
}

// newOrchestrator wires the provider registry, metrics and logger for a
// profile.
func (a *App) newOrchestrator(profile *config.Profile) (*generation.Orchestrator, error) {
	creds, err := a.loadCredentials()
	if err != nil {
		return nil, err
	}
	registry := a.NewRegistry(creds, builtin.Options{
		Logger:     a.log(),
		Observer:   a.metrics,
		MaxRetries: flagMaxRetries,
		Keys:       flagAPIKeys,
	})
	return generation.New(profile, registry,
		generation.WithLogger(a.log()),
		generation.WithFallbackObserver(a.metrics),
	), nil
}

// openHistory returns nil when history is disabled or unavailable.
func (a *App) openHistory() *history.Store {
	if flagNoHistory {
		return nil
	}
	store, err := a.OpenHistory()
	if err != nil {
		a.log().Warn("history disabled", zap.Error(err))
		return nil
	}
	return store
}

func parseSize(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: want WxH", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: want WxH", s)
	}
	return width, height, nil
}

func runGenerate(cmd *cobra.Command, args []string, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	profile, err := app.loadProfile()
	if err != nil {
		return err
	}
	if flagTextStrict {
		profile.Generation.TextStrict = true
	}
	orch, err := app.newOrchestrator(profile)
	if err != nil {
		return err
	}

	req := orch.BuildRequest(args[0], flagNegative)
	if flagCount > 0 {
		req.NumImages = flagCount
	}
	if flagSize != "" {
		if req.Width, req.Height, err = parseSize(flagSize); err != nil {
			return err
		}
	}
	if flagStyle != "" {
		req.Style = flagStyle
	}
	if len(flagExactText) > 0 {
		req.ExactText = flagExactText
	}
	if flagSeed >= 0 {
		seed := flagSeed
		req.Seed = &seed
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	fmt.Fprintf(app.Out, "Generating %d image(s) for profile %q...\n", req.NumImages, profile.Profile.Slug)
	start := time.Now()
	out, err := orch.Run(ctx, req, func(percent int, message string) {
		fmt.Fprintf(app.Out, "[%3d%%] %s\n", percent, message)
	})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	paths, err := orch.SaveImages(out.Result, flagGenOutput, flagPrefix)
	if err != nil {
		return err
	}
	app.metrics.ObserveGeneration(out.Provider, time.Since(start), len(paths))

	if store := app.openHistory(); store != nil {
		defer store.Close()
		g := history.FromOutcome(profile.Profile.Slug, req.Prompt, req.NegativePrompt, out, paths)
		if err := store.Record(ctx, g); err != nil {
			app.log().Warn("failed to record history", zap.Error(err))
		}
	}

	for _, path := range paths {
		fmt.Fprintf(app.Out, "Saved: %s\n", path)
	}
	app.preview(paths)
	for _, w := range out.Result.AllWarnings() {
		fmt.Fprintf(app.Out, "Warning: %s\n", w)
	}
	if out.UsedFallback {
		fmt.Fprintf(app.Out, "Note: %s failed, images came from %s\n", out.Primary, out.Provider)
	}
	fmt.Fprintln(app.Out, "Done!")
	return nil
}

func newBatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Generate images for every prompt in a file",
		Long: `Generate images for every prompt in a .txt file (one prompt per line, #
comments), or a .json array or .yaml sequence of objects with prompt,
negative_prompt, exact_text and style keys. Each provider runs at most its advertised number of
requests at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args, app)
		},
	}

	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "max prompts in flight across providers (0 = per-provider limits only)")
	cmd.Flags().BoolVar(&flagStopOnError, "stop-on-error", false, "stop at the first failed prompt")
	addProviderFlags(cmd)
	return cmd
}

func runBatch(cmd *cobra.Command, args []string, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	items, err := batch.ParseFile(args[0])
	if err != nil {
		return err
	}
	profile, err := app.loadProfile()
	if err != nil {
		return err
	}
	orch, err := app.newOrchestrator(profile)
	if err != nil {
		return err
	}

	opts := []batch.ProcessorOption{batch.WithLogger(app.log())}
	if store := app.openHistory(); store != nil {
		defer store.Close()
		opts = append(opts, batch.WithRecorder(store))
	}
	processor := batch.NewProcessor(orch, app.Out, app.Err, opts...)

	fmt.Fprintf(app.Out, "Processing %d prompt(s) for profile %q...\n", len(items), profile.Profile.Slug)
	results, err := processor.Process(ctx, items, &batch.Options{
		OutputDir:   flagGenOutput,
		Parallel:    flagParallel,
		StopOnError: flagStopOnError,
		Profile:     profile.Profile.Slug,
	})
	for _, r := range results {
		if r.Error == nil && r.Provider != "" {
			app.metrics.ObserveGeneration(r.Provider, r.Duration, len(r.Paths))
		}
	}
	processor.PrintSummary(results)
	if err != nil {
		return err
	}
	if n := countFailed(results); n > 0 {
		return fmt.Errorf("%d of %d prompts failed", n, len(results))
	}
	return nil
}

func countFailed(results []batch.Result) int {
	n := 0
	for _, r := range results {
		if r.Error != nil {
			n++
		}
	}
	return n
}

func newProvidersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show provider configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(app)
		},
	}
}

func runProviders(app *App) error {
	creds, err := app.loadCredentials()
	if err != nil {
		return err
	}
	profile, err := app.loadProfile()
	if err != nil {
		return err
	}
	roles := map[string][]string{}
	routing := profile.Providers
	roles[routing.Primary] = append(roles[routing.Primary], "primary")
	if routing.TextStrictProvider != "" {
		roles[routing.TextStrictProvider] = append(roles[routing.TextStrictProvider], "text-strict")
	}
	if routing.Fallback != "" {
		roles[routing.Fallback] = append(roles[routing.Fallback], "fallback")
	}

	w := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tROLE\tKEY")
	for _, s := range builtin.Statuses(creds, nil) {
		key := "missing (" + s.EnvVar + ")"
		if s.Configured() {
			key = string(s.KeySource)
		}
		role := strings.Join(roles[s.Name], ", ")
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Model, role, key)
	}
	return w.Flush()
}
