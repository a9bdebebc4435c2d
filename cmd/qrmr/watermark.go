package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/slug"
	"github.com/manash/qrmr/internal/watermark"
)

var (
	flagSlugPrefix   string
	flagSlugLocation string
	flagMaxWords     int
	flagMinLen       int
	flagStopwords    []string
	flagWhitelist    []string
	flagDryRun       bool

	flagInput     string
	flagOutput    string
	flagArchive   string
	flagRecursive bool
	flagWorkers   int
	flagQRLink    string
	flagText      string
	flagSchedule  string
)

const defaultSchedule = "@every 1m"

func addSlugFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagSlugPrefix, "prefix", "", "tokens placed first in every slug")
	cmd.Flags().StringVar(&flagSlugLocation, "location", "", "tokens placed after the prefix")
	cmd.Flags().IntVar(&flagMaxWords, "max-words", slug.DefaultMaxWords, "maximum words per slug")
	cmd.Flags().IntVar(&flagMinLen, "min-len", slug.DefaultMinLen, "minimum token length")
	cmd.Flags().StringSliceVar(&flagStopwords, "stopword", nil, "extra words to drop (repeatable)")
	cmd.Flags().StringSliceVar(&flagWhitelist, "whitelist", nil, "only keep these words (repeatable)")
}

// namerFor builds a namer from the profile's seo_naming rules, then applies
// any slug flag the user set explicitly.
func namerFor(cmd *cobra.Command, profile *config.Profile) *slug.Namer {
	namer := slug.New(profile.SEONaming.SlugOptions()...)

	var opts []slug.Option
	flags := cmd.Flags()
	if flags.Changed("prefix") {
		opts = append(opts, slug.WithPrefix(flagSlugPrefix))
	}
	if flags.Changed("location") {
		opts = append(opts, slug.WithLocation(flagSlugLocation))
	}
	if flags.Changed("max-words") {
		opts = append(opts, slug.WithMaxWords(flagMaxWords))
	}
	if flags.Changed("min-len") {
		opts = append(opts, slug.WithMinLen(flagMinLen))
	}
	if flags.Changed("stopword") {
		opts = append(opts, slug.WithStopwords(flagStopwords...))
	}
	if flags.Changed("whitelist") {
		opts = append(opts, slug.WithWhitelist(flagWhitelist...))
	}
	namer.Configure(opts...)
	return namer
}

func newSlugCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slug [name...]",
		Short: "Print the SEO-friendly file name for each argument",
		Example: `  qrmr slug "IMG_20250816 copper dormer (edited)"
  qrmr slug --prefix "best service" --location "ann arbor" custom-work`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := app.loadProfile()
			if err != nil {
				return err
			}
			namer := namerFor(cmd, profile)
			for _, name := range args {
				fmt.Fprintln(app.Out, namer.Name(name))
			}
			return nil
		},
	}
	addSlugFlags(cmd)
	return cmd
}

func newRenameCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename [dir]",
		Short: "Rename images in a directory to their slugs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := app.loadProfile()
			if err != nil {
				return err
			}
			renamed, err := watermark.Rename(args[0], namerFor(cmd, profile), flagDryRun)
			for _, r := range renamed {
				fmt.Fprintf(app.Out, "Renamed %q -> %q\n", r.From, r.To)
			}
			if err != nil {
				return err
			}
			if flagDryRun {
				fmt.Fprintf(app.Out, "Dry run: %d file(s) would be renamed\n", len(renamed))
			}
			return nil
		},
	}
	addSlugFlags(cmd)
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "show the new names without renaming")
	return cmd
}

func addWatermarkFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagInput, "input", "i", "", "input directory (defaults to the profile's input_dir)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output directory (defaults to the profile's output_dir)")
	cmd.Flags().StringVar(&flagArchive, "archive", "", "move processed sources here (defaults to the profile's archive_dir)")
	cmd.Flags().BoolVarP(&flagRecursive, "recursive", "r", false, "include images in subdirectories")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "images rendered in parallel (0 = number of CPUs)")
	cmd.Flags().StringVar(&flagQRLink, "qr-link", "", "URL encoded in the QR code (overrides the profile)")
	cmd.Flags().StringVar(&flagText, "text", "", "overlay text (overrides the profile)")
}

type watermarkJob struct {
	pipeline *watermark.Pipeline
	input    string
	output   string
}

func (a *App) newWatermarkJob(cmd *cobra.Command, profile *config.Profile) (*watermarkJob, error) {
	if flagQRLink != "" {
		profile.Watermark.QRLink = flagQRLink
	}
	if flagText != "" {
		profile.Watermark.TextOverlay = flagText
	}
	if flagRecursive {
		profile.SEONaming.ProcessRecursive = true
	}

	renderer, err := watermark.NewRenderer(watermark.OptionsFromProfile(profile.Watermark))
	if err != nil {
		return nil, err
	}

	opts := watermark.ProfileOptions(profile, slug.New())
	opts = append(opts,
		watermark.WithWorkers(flagWorkers),
		watermark.WithLogger(a.log()),
		watermark.WithObserver(a.metrics),
	)
	archive := profile.Paths.ArchiveDir
	if cmd.Flags().Changed("archive") {
		archive = flagArchive
	}
	if archive != "" {
		opts = append(opts, watermark.WithArchive(archive))
	}

	job := &watermarkJob{
		pipeline: watermark.NewPipeline(renderer, opts...),
		input:    profile.Paths.InputDir,
		output:   profile.Paths.OutputDir,
	}
	if flagInput != "" {
		job.input = flagInput
	}
	if flagOutput != "" {
		job.output = flagOutput
	}
	return job, nil
}

func (a *App) runWatermarkJob(ctx context.Context, job *watermarkJob) (*watermark.Report, error) {
	report, err := job.pipeline.Run(ctx, job.input, job.output)
	if err != nil && report == nil {
		return nil, err
	}
	var outputs []string
	for _, r := range report.Results {
		if r.Err != nil {
			fmt.Fprintf(a.Err, "Error processing %s: %v\n", r.Source, r.Err)
			continue
		}
		fmt.Fprintf(a.Out, "Watermarked: %s -> %s\n", r.Source, r.Output)
		outputs = append(outputs, r.Output)
	}
	a.preview(outputs)
	return report, err
}

func newWatermarkCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Watermark every image in the input directory",
		Long: `Stamp the profile's QR code (top-left) and text overlay (bottom-left) onto
every .jpg, .jpeg, .png and .webp image in the input directory. Outputs are
JPEG files named by slug when the profile enables SEO naming.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			profile, err := app.loadProfile()
			if err != nil {
				return err
			}
			job, err := app.newWatermarkJob(cmd, profile)
			if err != nil {
				return err
			}
			report, err := app.runWatermarkJob(ctx, job)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Done: %d watermarked, %d failed\n", report.Succeeded, report.Failed)
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d images failed", report.Failed, len(report.Results))
			}
			return nil
		},
	}
	addWatermarkFlags(cmd)
	cmd.Flags().BoolVar(&flagShow, "show", false, "preview watermarked images inline")
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watermark new images on a schedule",
		Long: `Run the watermark pipeline on a cron schedule until interrupted. Processed
sources are moved to the archive directory so each run only sees new files;
an archive directory is therefore required.

Schedules use six-field cron syntax with seconds ("0 */5 * * * *") or
descriptors such as "@every 30s".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runWatch(ctx, cmd, app)
		},
	}
	addWatermarkFlags(cmd)
	cmd.Flags().StringVar(&flagSchedule, "schedule", defaultSchedule, "cron schedule")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, app *App) error {
	profile, err := app.loadProfile()
	if err != nil {
		return err
	}
	if flagArchive == "" && profile.Paths.ArchiveDir == "" {
		return fmt.Errorf("watch needs an archive directory: set paths.archive_dir or --archive")
	}
	job, err := app.newWatermarkJob(cmd, profile)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithSeconds())
	var mu sync.Mutex
	_, err = c.AddFunc(flagSchedule, func() {
		if !mu.TryLock() {
			app.log().Warn("previous watermark run still in progress, skipping")
			return
		}
		defer mu.Unlock()
		report, err := app.runWatermarkJob(ctx, job)
		if err != nil {
			app.log().Error("watermark run failed", zap.Error(err))
			return
		}
		if len(report.Results) > 0 {
			fmt.Fprintf(app.Out, "Run finished: %d watermarked, %d failed\n", report.Succeeded, report.Failed)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", flagSchedule, err)
	}

	c.Start()
	fmt.Fprintf(app.Out, "Watching %s (%s), press Ctrl+C to stop\n", job.input, flagSchedule)
	<-ctx.Done()
	<-c.Stop().Done()
	fmt.Fprintln(app.Out, "Stopped")
	return nil
}
