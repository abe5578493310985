// cmd/cratis/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cratis/client"
	"cratis/internal/api"
	"cratis/internal/config"
	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"
	"cratis/internal/logging"
	"cratis/internal/restore"
	"cratis/internal/vault"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	logger = zap.NewNop()

	configPath string
	remote     bool
	verbose    bool
)

// backend is what the read side of the CLI needs. A local vault and a
// client for a running daemon both provide it.
type backend interface {
	RestoreFile(path string, ts time.Time) (ledger.Record, []byte, error)
	History(path string, from, to time.Time) ([]ledger.Record, error)
	ListPaths(ts time.Time, root string) ([]string, error)
	Materialize(root string, ts time.Time, dest string) (*restore.TreeResult, error)
	Status() (vault.Status, error)
	Close() error
}

var rootCmd = &cobra.Command{
	Use:   "cratis",
	Short: "Cratis keeps every version of your files",
	Long: `Cratis watches a directory tree and records a new version of each file
whenever it changes. Any file, or the whole tree, can be restored as it was
at any past moment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			var l *logging.Logger
			l, err = logging.NewLogger("warn", "development")
			if l != nil {
				logger = l.Logger
			}
		}
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "configuration file")
	rootCmd.PersistentFlags().BoolVar(&remote, "remote", false, "talk to the running daemon instead of opening the store")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	var initCmd = &cobra.Command{
		Use:   "init [root]",
		Short: "Write a configuration that backs up root (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}

			cfg := config.Default()
			if len(args) == 1 {
				cfg.Backup.Root = args[0]
			}
			if storage, _ := cmd.Flags().GetString("storage"); storage != "" {
				cfg.Storage.Path = storage
			}
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized cratis for %s (store: %s)\n", loaded.Backup.Root, loaded.Storage.Path)
			fmt.Printf("Configuration written to %s\n", configPath)
			return nil
		},
	}
	initCmd.Flags().String("storage", "", "store directory (default .cratis next to the config)")

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch the backup root and record changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(vault.Options{})
			if err != nil {
				return err
			}
			defer v.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Watching %s (Ctrl-C to stop)\n", v.Root())
			return v.Watch(ctx)
		},
	}

	var backupNowCmd = &cobra.Command{
		Use:   "backup-now",
		Short: "Record every changed or deleted file under the backup root",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				c, err := remoteClient()
				if err != nil {
					return err
				}
				stats, err := c.Scan()
				if err != nil {
					return err
				}
				fmt.Printf("Submitted %d files and %d deletions to the daemon\n", stats.Files, stats.Deleted)
				return nil
			}

			var committed, deleted atomic.Int64
			v, err := openVault(vault.Options{OnCommit: func(r ledger.Record) {
				if r.Deleted() {
					deleted.Add(1)
				} else {
					committed.Add(1)
				}
			}})
			if err != nil {
				return err
			}
			stats, err := v.Scan(cmd.Context())
			if err != nil {
				v.Close()
				return err
			}
			// Close commits everything the scan submitted.
			if err := v.Close(); err != nil {
				return err
			}
			fmt.Printf("Scanned %d files (%d skipped)\n", stats.Files, stats.Skipped)
			fmt.Printf("%s new versions, %s deletions recorded\n",
				color.GreenString("%d", committed.Load()), color.RedString("%d", deleted.Load()))
			return nil
		},
	}

	var restoreCmd = &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore one file as it was at a point in time",
		Example: `  cratis restore notes.txt --at 2h
  cratis restore notes.txt --at 2024-05-01T09:00:00Z --out notes.old.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := timeFlag(cmd, "at")
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")

			b, err := openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			path, err := treePath(args[0])
			if err != nil {
				return err
			}
			rec, data, err := b.RestoreFile(path, at)
			if err != nil {
				return explain(err)
			}
			if out == "" {
				_, err := os.Stdout.Write(data)
				return err
			}
			if err := restore.WriteFile(out, data, rec.Mode); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			fmt.Fprintf(os.Stderr, "Restored %s (%s, version of %s) to %s\n",
				args[0], formatSize(rec.Size), formatTime(rec.Timestamp), out)
			return nil
		},
	}
	restoreCmd.Flags().String("at", "", "point in time: RFC3339, YYYY-MM-DD, unix nanoseconds or a duration ago (default latest)")
	restoreCmd.Flags().StringP("out", "o", "", "write to this file instead of stdout")

	var restoreTreeCmd = &cobra.Command{
		Use:   "restore-tree [root]",
		Short: "Restore a directory tree as it was at a point in time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := timeFlag(cmd, "at")
			if err != nil {
				return err
			}
			dest, _ := cmd.Flags().GetString("to")
			root := ""
			if len(args) == 1 {
				root = args[0]
			}

			b, err := openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			result, err := b.Materialize(root, at, dest)
			if err != nil {
				return explain(err)
			}

			fmt.Printf("Restored %s files into %s\n", color.GreenString("%d", len(result.Records)), dest)
			if result.Partial() {
				red := color.New(color.FgRed).SprintFunc()
				fmt.Printf("%s files could not be restored:\n", red(len(result.Failures)))
				for p, ferr := range result.Failures {
					fmt.Printf("\t%s %s: %v\n", red("✗"), p, ferr)
				}
				return fmt.Errorf("restore incomplete")
			}
			return nil
		},
	}
	restoreTreeCmd.Flags().String("at", "", "point in time (default latest)")
	restoreTreeCmd.Flags().String("to", "", "destination directory")
	restoreTreeCmd.MarkFlagRequired("to")

	var versionsCmd = &cobra.Command{
		Use:   "versions <file>",
		Short: "List the recorded versions of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := timeFlag(cmd, "from")
			if err != nil {
				return err
			}
			to, err := timeFlag(cmd, "to")
			if err != nil {
				return err
			}

			b, err := openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			path, err := treePath(args[0])
			if err != nil {
				return err
			}
			records, err := b.History(path, from, to)
			if err != nil {
				return explain(err)
			}
			if len(records) == 0 {
				fmt.Println("No versions found")
				return nil
			}

			yellow := color.New(color.FgYellow).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("\nVersions of %s:\n", records[0].Path)
			for _, r := range records {
				if r.Deleted() {
					fmt.Printf("  %s  %s\n", formatTime(r.Timestamp), red("deleted"))
					continue
				}
				fmt.Printf("  %s  %s  %8s  %s\n",
					formatTime(r.Timestamp),
					yellow(r.Digest.Short()),
					formatSize(r.Size),
					r.Mode.Perm(),
				)
			}
			return nil
		},
	}
	versionsCmd.Flags().String("from", "", "earliest version to list")
	versionsCmd.Flags().String("to", "", "latest version to list")

	var pathsCmd = &cobra.Command{
		Use:   "paths [root]",
		Short: "List the files that existed at a point in time",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := timeFlag(cmd, "at")
			if err != nil {
				return err
			}
			root := ""
			if len(args) == 1 {
				root = args[0]
			}

			b, err := openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			paths, err := b.ListPaths(at, root)
			if err != nil {
				return explain(err)
			}
			for _, p := range paths {
				fmt.Println(p)
			}
			return nil
		},
	}
	pathsCmd.Flags().String("at", "", "point in time (default latest)")

	var diffCmd = &cobra.Command{
		Use:   "diff <file>",
		Short: "Show what changed in a file between two points in time",
		Long: `Compares the version of a file at --to (default latest) with the version at
--from (default the version just before it).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := timeFlag(cmd, "from")
			if err != nil {
				return err
			}
			to, err := timeFlag(cmd, "to")
			if err != nil {
				return err
			}

			b, err := openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			path, err := treePath(args[0])
			if err != nil {
				return err
			}
			return showDiff(b, path, from, to)
		},
	}
	diffCmd.Flags().String("from", "", "older point in time (default previous version)")
	diffCmd.Flags().String("to", "", "newer point in time (default latest)")

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Summarize the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			st, err := b.Status()
			if err != nil {
				return err
			}
			fmt.Printf("Root:      %s\n", st.Root)
			fmt.Printf("Files:     %d live, %d ever seen\n", st.Live, st.Paths)
			fmt.Printf("Versions:  %d\n", st.Versions)
			fmt.Printf("Content:   %d objects, %s (%s on disk)\n",
				st.Content.Entries, formatSize(st.Content.LogicalSize), formatSize(st.Content.StoredSize))
			if st.Content.Unreferenced > 0 {
				fmt.Printf("           %d unreferenced (run \"cratis prune\")\n", st.Content.Unreferenced)
			}
			if st.Pending > 0 {
				fmt.Printf("Pending:   %d paths\n", st.Pending)
			}
			return nil
		},
	}

	var pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete stored content that no version references",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(vault.Options{})
			if err != nil {
				return err
			}
			defer v.Close()

			stats, err := v.Prune()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d objects, %d orphaned files, %d temp files; freed %s\n",
				stats.Entries, stats.Orphans, stats.Temps, formatSize(stats.BytesFreed))
			return nil
		},
	}

	var fsckCmd = &cobra.Command{
		Use:   "fsck",
		Short: "Verify every stored object and every version record",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(vault.Options{})
			if err != nil {
				return err
			}
			defer v.Close()

			report, err := v.Fsck()
			if err != nil {
				return err
			}

			red := color.New(color.FgRed).SprintFunc()
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("Checked %d objects and %d versions\n", report.Content.Checked, report.Records)
			for _, p := range report.Content.Problems {
				fmt.Printf("\t%s %s %s: %v\n", red("✗"), p.Hash.Short(), p.Status, p.Err)
			}
			for _, r := range report.Dangling {
				fmt.Printf("\t%s %s references missing %s\n", red("✗"), r.Path, r.Digest.Short())
			}
			if !report.OK() {
				return fmt.Errorf("store has %d problems", len(report.Content.Problems)+len(report.Dangling))
			}
			fmt.Println(green("✓"), "no problems found")
			return nil
		},
	}

	var showConfigCmd = &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s", configPath, out)
			return nil
		},
	}

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Edit the configuration file",
	}

	var configSetCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value",
		Example: `  cratis config set backup.debounce 2s
  cratis config set backup.exclude '["*.log", "build"]'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SetValue(configPath, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		},
	}

	var pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			start := time.Now()
			if err := c.Ping(); err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			fmt.Printf("%s daemon responded in %s\n", color.GreenString("✓"), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(backupNowCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(restoreTreeCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(showConfigCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pingCmd)

	configCmd.AddCommand(configSetCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no configuration at %s (run \"cratis init\")", configPath)
	}
	return cfg, err
}

func openVault(opts vault.Options) (*vault.Vault, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	v, err := vault.Open(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("opening store (is the daemon running? try --remote): %w", err)
	}
	return v, nil
}

func remoteClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.BaseURL(), cfg.Server.AuthToken), nil
}

func openBackend() (backend, error) {
	if remote {
		return remoteClient()
	}
	return openVault(vault.Options{})
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	s, _ := cmd.Flags().GetString(name)
	t, err := api.ParseTime(s, time.Now())
	if err != nil {
		return t, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

// explain turns restore errors into messages for people.
func explain(err error) error {
	switch cerrors.TypeOf(err) {
	case cerrors.ErrorTypeNoSuchVersion:
		return fmt.Errorf("no version recorded at that time: %w", err)
	case cerrors.ErrorTypeDeleted:
		return fmt.Errorf("the file did not exist at that time: %w", err)
	case cerrors.ErrorTypeInconsistent:
		return fmt.Errorf("store is damaged, run \"cratis fsck\": %w", err)
	}
	return err
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
