package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/manash/qrmr/internal/config"
	"github.com/manash/qrmr/internal/credentials"
	"github.com/manash/qrmr/internal/history"
	"github.com/manash/qrmr/internal/provider/builtin"
)

var (
	flagProfileName string
	flagQRLinkInit  string
	flagTextInit    string
	flagHistoryN    int
	flagSummary     bool
)

func knownProvider(name string) error {
	for _, b := range builtin.Backends {
		if b.Name == name {
			return nil
		}
	}
	names := make([]string, 0, len(builtin.Backends))
	for _, b := range builtin.Backends {
		names = append(names, b.Name)
	}
	return fmt.Errorf("unknown provider %q: available providers: %s", name, strings.Join(names, ", "))
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys",
		Long: `Manage the API keys stored in the credentials file (providers.yaml in the
user config directory). Keys passed with --api-key take precedence over this
file, which takes precedence over environment variables.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [provider] [key]",
		Short: "Store an API key (prompts without echo when key is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := knownProvider(args[0]); err != nil {
				return err
			}
			key := ""
			if len(args) == 2 {
				key = strings.TrimSpace(args[1])
			} else {
				var err error
				if key, err = app.ReadSecret(fmt.Sprintf("Enter %s API key: ", args[0])); err != nil {
					return fmt.Errorf("failed to read key: %w", err)
				}
			}
			if key == "" {
				return errors.New("API key cannot be empty")
			}
			store, err := app.Credentials()
			if err != nil {
				return err
			}
			if err := store.Set(args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Stored %s key %s in %s\n", args[0], credentials.MaskKey(key), store.Path())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [provider]",
		Short: "Show a stored API key (masked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Credentials()
			if err != nil {
				return err
			}
			key, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key stored for %s", args[0])
			}
			fmt.Fprintln(app.Out, credentials.MaskKey(key))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [provider]",
		Short: "Remove a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Credentials()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted %s key\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers with stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Credentials()
			if err != nil {
				return err
			}
			file, err := store.Load()
			if err != nil {
				return err
			}
			if len(file) == 0 {
				fmt.Fprintf(app.Out, "No keys stored in %s\n", store.Path())
				return nil
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintf(app.Out, "%s: %s\n", name, credentials.MaskKey(file.Key(name)))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the credentials file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.Credentials()
			if err != nil {
				return err
			}
			fmt.Fprintln(app.Out, store.Path())
			return nil
		},
	})

	return cmd
}

func newProfilesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage client profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored profiles, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := app.configStore()
			profiles, err := store.ListProfiles()
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				fmt.Fprintf(app.Out, "No profiles in %s\n", store.ProfilesDir())
				return nil
			}
			settings, err := store.LoadAppSettings()
			if err != nil {
				return err
			}
			for _, name := range orderByRecent(profiles, settings.RecentProfiles) {
				marker := " "
				if name == settings.LastUsedProfile {
					marker = "*"
				}
				fmt.Fprintf(app.Out, "%s %s\n", marker, name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [slug]",
		Short: "Print a profile as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				profile *config.Profile
				err     error
			)
			if len(args) == 1 {
				profile, err = app.configStore().LoadProfile(args[0])
			} else {
				profile, err = app.loadProfile()
			}
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(app.Out)
			enc.SetIndent(2)
			if err := enc.Encode(profile); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [slug]",
		Short: "Create a profile with default settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := app.configStore()
			if store.ProfileExists(args[0]) {
				return fmt.Errorf("profile %q already exists", args[0])
			}
			p := config.DefaultProfile()
			p.Profile.Slug = args[0]
			p.Profile.Name = flagProfileName
			if p.Profile.Name == "" {
				p.Profile.Name = args[0]
			}
			now := time.Now().Format(time.RFC3339)
			p.Profile.Created, p.Profile.Modified = now, now
			p.Watermark.QRLink = flagQRLinkInit
			p.Watermark.TextOverlay = flagTextInit
			if err := store.SaveProfile(&p); err != nil {
				return err
			}
			if err := store.UpdateRecentProfiles(p.Profile.Slug); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Created profile %q in %s\n", p.Profile.Slug, store.ProfilesDir())
			return nil
		},
	}
	initCmd.Flags().StringVar(&flagProfileName, "name", "", "display name")
	initCmd.Flags().StringVar(&flagQRLinkInit, "qr-link", "", "URL encoded in the QR code")
	initCmd.Flags().StringVar(&flagTextInit, "text", "", "overlay text")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [slug]",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.configStore().DeleteProfile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted profile %q\n", args[0])
			return nil
		},
	})

	return cmd
}

// orderByRecent puts recently used profiles first, in recency order.
func orderByRecent(profiles, recent []string) []string {
	out := make([]string, 0, len(profiles))
	for _, r := range recent {
		if slices.Contains(profiles, r) {
			out = append(out, r)
		}
	}
	for _, p := range profiles {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			if flagSummary {
				return printSummary(app, cmd, store)
			}
			gens, err := store.Recent(cmd.Context(), flagHistoryN)
			if err != nil {
				return err
			}
			if len(gens) == 0 {
				fmt.Fprintln(app.Out, "No generations recorded")
				return nil
			}
			for _, g := range gens {
				printGeneration(app, g)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&flagHistoryN, "limit", "n", 10, "number of generations to show")
	cmd.Flags().BoolVar(&flagSummary, "summary", false, "show totals per provider")

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show one generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			g, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printGeneration(app, g)
			for _, w := range g.Warnings {
				fmt.Fprintf(app.Out, "  warning: %s\n", w)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete one generation record (files are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			if _, err := store.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func printGeneration(app *App, g *history.Generation) {
	provider := g.Provider
	if g.UsedFallback {
		provider = fmt.Sprintf("%s (fallback from %s)", g.Provider, g.PrimaryProvider)
	}
	fmt.Fprintf(app.Out, "%s  %s  [%s] %s\n", history.FormatTimestamp(g.CreatedAt), g.ID, g.Profile, provider)
	fmt.Fprintf(app.Out, "  prompt: %s\n", g.Prompt)
	for _, img := range g.Images {
		fmt.Fprintf(app.Out, "  %s\n", img.Path)
	}
}

func printSummary(app *App, cmd *cobra.Command, store *history.Store) error {
	summaries, err := store.SummaryByProvider(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(app.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tGENERATIONS\tIMAGES\tFALLBACKS")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s.Provider, s.Generations, s.Images, s.Fallbacks)
	}
	return w.Flush()
}
