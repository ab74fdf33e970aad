package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/vonshlovens/vaultcal/internal/command"
	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/db"
	"github.com/vonshlovens/vaultcal/internal/ics"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/sync"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "vaultcal",
		Short:   "Calendar over a vault of markdown documents",
		Long:    `Indexes event documents in a markdown vault, expands recurring events and keeps them in sync with CalDAV calendars.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		scanCmd(),
		eventsCmd(),
		syncCmd(),
		statusCmd(),
		migrateCmd(),
		initCmd(),
		exportCmd(),
		importCmd(),
		createCmd(),
		skipCmd(),
		deleteCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Watch the vault and sync calendars on a schedule",
		Long:  `Starts a daemon that keeps the event index current, mirrors it to Postgres when enabled and runs CalDAV sync on the configured schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a := newApp(cfg, time.Duration(cfg.Indexer.NotifyDebounceMs)*time.Millisecond)

			storeDone := make(chan error, 1)
			go func() { storeDone <- a.store.Run(ctx, a.indexer.Events()) }()

			detach := a.recurrence.Attach(a.store)
			defer detach()

			var mirror *db.Mirror
			if cfg.Database.Enabled {
				database, err := db.New(ctx, &cfg.Database)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				defer database.Close()

				mirror = db.NewMirror(database)
				detachMirror := mirror.Attach(a.store)
				defer detachMirror()
				go mirror.Run(ctx)
			}

			if err := a.indexer.Start(ctx); err != nil {
				return fmt.Errorf("failed to start indexer: %w", err)
			}
			defer a.indexer.Stop()

			if err := a.store.WaitReady(ctx); err != nil {
				return err
			}
			if mirror != nil {
				if err := mirror.Resync(ctx, a.store.AllEvents()); err != nil {
					slog.Error("initial mirror resync failed", "error", err)
				}
			}

			engine, pool, err := a.syncEngine(nil)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer engine.Close()

			scheduler := cron.New()
			// the occurrence horizon is relative to today
			if _, err := scheduler.AddFunc("@daily", func() {
				a.recurrence.Rebuild(time.Now())
			}); err != nil {
				return err
			}
			if len(cfg.Accounts) > 0 && cfg.Sync.Schedule != "" {
				if _, err := scheduler.AddFunc(cfg.Sync.Schedule, func() {
					for _, r := range engine.SyncAll(ctx) {
						if !r.Success {
							slog.Error("calendar sync failed", "account", r.Account, "calendar", r.Calendar, "errors", len(r.Errors))
						}
					}
				}); err != nil {
					return fmt.Errorf("invalid sync schedule %q: %w", cfg.Sync.Schedule, err)
				}
			}
			scheduler.Start()

			// Handle graceful shutdown
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("daemon started",
				"vault", cfg.VaultPath,
				"events", a.store.Len(),
				"accounts", len(cfg.Accounts))
			fmt.Println("Watching vault for changes. Press Ctrl+C to stop.")

			select {
			case <-sigCh:
				slog.Info("shutting down...")
			case err := <-storeDone:
				slog.Error("event store stopped", "error", err)
			}

			<-scheduler.Stop().Done()
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Index the vault once and report what was found",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}

			stats, err := a.index(context.Background(), true)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			fmt.Printf("Documents: %d (%d parsed, %d failed)\n", stats.Total, stats.Parsed, stats.Failed)
			fmt.Printf("Events: %d\n", a.store.Len())
			fmt.Printf("Recurring series: %d\n", len(a.store.Templates()))
			fmt.Printf("Virtual occurrences: %d\n", len(a.recurrence.Virtuals()))
			fmt.Printf("Took: %s\n", stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events in a date range",
		Long:  `Lists stored events and virtual occurrences of recurring events between --from and --to.`,
	}

	var from, to string
	var skipped bool
	cmd.Flags().StringVar(&from, "from", "", "first day (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD, default a week after --from)")
	cmd.Flags().BoolVar(&skipped, "skipped", false, "list skipped events instead")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		r, err := parseRange(from, to)
		if err != nil {
			return err
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		if _, err := a.index(context.Background(), false); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		events := a.recurrence.Timeline(r)
		if skipped {
			events = a.store.SkippedEvents(r)
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return nil
		}
		for _, ev := range events {
			fmt.Println(formatEvent(ev))
		}
		return nil
	}

	return cmd
}

func parseRange(from, to string) (parser.Range, error) {
	start := parser.DateOf(time.Now())
	if from != "" {
		t, ok := parser.ParseDate(from)
		if !ok {
			return parser.Range{}, fmt.Errorf("invalid --from date %q", from)
		}
		start = t
	}
	end := start.AddDate(0, 0, 7)
	if to != "" {
		t, ok := parser.ParseDate(to)
		if !ok {
			return parser.Range{}, fmt.Errorf("invalid --to date %q", to)
		}
		end = t.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		return parser.Range{}, fmt.Errorf("--to must not be before --from")
	}
	return parser.Range{Start: start, End: end}, nil
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [account [calendar]]",
		Short: "One-time CalDAV sync, then exit",
		Long:  `Synchronizes all configured calendars, one account or a single calendar, and exits.`,
		Args:  cobra.MaximumNArgs(2),
	}

	var discover bool
	cmd.Flags().BoolVar(&discover, "discover", false, "list the calendars of an account instead of syncing")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := loadApp()
		if err != nil {
			return err
		}
		if _, err := a.index(ctx, false); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		engine, pool, err := a.syncEngine(promptConfirmer(a.cfg.Sync.DeletePolicy))
		if err != nil {
			return err
		}
		defer pool.Close()
		defer func() {
			if err := engine.Close(); err != nil {
				slog.Warn("failed to save state", "error", err)
			}
		}()

		if discover {
			if len(args) == 0 {
				return fmt.Errorf("--discover needs an account")
			}
			calendars, err := engine.Discover(ctx, args[0])
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}
			for _, c := range calendars {
				fmt.Printf("%s\t%s\n", c.Path, c.Name)
			}
			return nil
		}

		var results []sync.Result
		switch len(args) {
		case 0:
			results = engine.SyncAll(ctx)
		case 1:
			results = engine.SyncAccount(ctx, args[0])
		default:
			results = []sync.Result{engine.SyncCalendar(ctx, args[0], args[1])}
		}

		failed := 0
		for _, r := range results {
			printResult(r)
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d calendars failed", failed, len(results))
		}
		fmt.Println("Sync completed successfully.")
		return nil
	}

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index, sync and mirror status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := loadApp()
			if err != nil {
				return err
			}
			cfg := a.cfg

			fmt.Println("=== vaultcal status ===")
			fmt.Printf("Vault Path: %s\n", cfg.VaultPath)

			if _, err := a.index(ctx, false); err != nil {
				fmt.Printf("Index: failed (%v)\n", err)
			} else {
				fmt.Printf("Events: %d (%d recurring series)\n", a.store.Len(), len(a.store.Templates()))
			}
			fmt.Println()

			state, err := sync.NewStateTracker(cfg.VaultPath, cfg.Sync.StateFile)
			if err != nil {
				return fmt.Errorf("failed to load sync state: %w", err)
			}
			fmt.Printf("Sync state: %s\n", state.Path())
			fmt.Printf("  Tracked objects: %d\n", state.ObjectCount())
			for _, acct := range cfg.Accounts {
				for _, cal := range acct.Calendars {
					line := fmt.Sprintf("  %s/%s -> %s", acct.ID, cal.Handle, cal.Folder)
					if cs, ok := state.Calendar(acct.ID, cal.Handle); ok && !cs.LastSync.IsZero() {
						line += fmt.Sprintf(" (last sync %s, %d objects)", cs.LastSync.Format(time.RFC3339), len(cs.Objects))
					} else {
						line += " (never synced)"
					}
					fmt.Println(line)
				}
			}
			fmt.Println()

			if !cfg.Database.Enabled {
				fmt.Println("Database mirror: disabled")
				return nil
			}

			database, err := db.New(ctx, &cfg.Database)
			if err != nil {
				fmt.Printf("Database Status: Disconnected\n")
				fmt.Printf("Error: %v\n", err)
				return nil
			}
			defer database.Close()

			status, err := database.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			fmt.Printf("Database Status: Connected\n")
			fmt.Printf("  Host: %s\n", cfg.Database.Host)
			fmt.Printf("  Database: %s\n", cfg.Database.Database)
			fmt.Printf("  Schema: %s\n", cfg.Database.Schema)
			fmt.Printf("  Mirrored events: %d (%d templates, %d linked)\n", status.TotalEvents, status.Templates, status.Linked)
			if status.LastWrite != nil {
				fmt.Printf("  Last Write: %s\n", status.LastWrite.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending migrations of the Postgres event mirror.`,
	}

	var showStatus bool
	cmd.Flags().BoolVar(&showStatus, "status", false, "print migration status instead of migrating")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.Database.Enabled {
			return fmt.Errorf("database mirror is not enabled in the config")
		}

		database, err := db.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if showStatus {
			return database.MigrationStatus(ctx)
		}
		if err := database.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			ask := func(prompt, def string) string {
				if def != "" {
					fmt.Printf("%s [%s]: ", prompt, def)
				} else {
					fmt.Printf("%s: ", prompt)
				}
				answer, _ := reader.ReadString('\n')
				answer = strings.TrimSpace(answer)
				if answer == "" {
					return def
				}
				return answer
			}

			fmt.Println("=== vaultcal setup ===")
			fmt.Println()

			vaultPath := ask("Vault path", "")
			if _, err := os.Stat(vaultPath); os.IsNotExist(err) {
				return fmt.Errorf("vault path does not exist: %s", vaultPath)
			}
			policy := ask("Delete policy for removed remote events (always/never/ask)", "ask")
			switch policy {
			case sync.DeleteAlways, sync.DeleteNever, sync.DeleteAsk:
			default:
				return fmt.Errorf("invalid delete policy %q", policy)
			}

			var accounts string
			fmt.Println("\nCalDAV account (leave the id empty to skip):")
			if id := ask("  Account id", ""); id != "" {
				url := ask("  Server URL", "")
				user := ask("  Username", "")
				handle := ask("  Calendar path", "")
				folder := ask("  Vault folder", "Calendar/"+id)
				accounts = fmt.Sprintf(`
accounts:
  - id: "%s"
    url: "%s"
    auth:
      type: basic
      username: "%s"
      password: "${CALDAV_PASSWORD}"  # or keyring_service
    calendars:
      - handle: "%s"
        folder: "%s"
`, id, url, user, handle, folder)
			}

			configContent := fmt.Sprintf(`vault_path: "%s"

recurrence:
  future_instances: 2

sync:
  schedule: "*/15 * * * *"
  delete_policy: "%s"

database:
  enabled: false
  host: "localhost"
  port: 5432
  user: "vaultcal"
  password: "${DB_PASSWORD}"
  database: "vaultcal"
  schema: "%s"
%s
ignore_patterns:
  - ".obsidian/**"
  - ".trash/**"
  - ".git/**"
  - "**/.DS_Store"
  - "**/node_modules/**"
`, vaultPath, policy, config.SanitizeIdentifier(filepath.Base(vaultPath)), accounts)

			configDir, err := config.GetStateDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			if accounts != "" {
				fmt.Println("\nSet the CALDAV_PASSWORD environment variable before syncing.")
			}
			fmt.Println("\nTo index the vault, run: vaultcal scan")
			fmt.Println("To start the daemon, run: vaultcal daemon")
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the vault calendar as an ICS file",
	}

	var out, name string
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&name, "name", "", "calendar name (default vault folder name)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if _, err := a.index(context.Background(), false); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		if name == "" {
			name = filepath.Base(a.cfg.VaultPath)
		}
		body, err := ics.Export(a.store.AllEvents(), name, time.Now())
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		if out == "" {
			_, err = os.Stdout.Write(body)
			return err
		}
		if err := os.WriteFile(out, body, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Printf("Exported %d events to %s\n", a.store.Len(), out)
		return nil
	}

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <url|file>",
		Short: "Create event documents from an ICS feed",
		Long:  `Fetches an ICS feed (cached, with conditional requests) or reads a local file and creates one document per event.`,
		Args:  cobra.ExactArgs(1),
	}

	var folder, source string
	cmd.Flags().StringVar(&folder, "folder", "Imported", "vault folder for new documents")
	cmd.Flags().StringVar(&source, "source", "ics", "value of the source property on new documents")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		a, err := loadApp()
		if err != nil {
			return err
		}

		body, err := readFeed(ctx, args[0])
		if err != nil {
			return err
		}
		drafts, err := ics.Parse(body)
		if err != nil {
			return fmt.Errorf("failed to parse feed: %w", err)
		}
		if len(drafts) == 0 {
			fmt.Println("Feed has no events.")
			return nil
		}

		batch := &command.Batch{Label: fmt.Sprintf("import %d events", len(drafts))}
		for _, d := range drafts {
			batch.Commands = append(batch.Commands, &command.CreateEvent{
				Vault:    a.vault,
				Folder:   folder,
				Title:    d.Title,
				Metadata: d.Metadata(a.cfg.Fields, source),
				Body:     d.Description,
			})
		}
		if err := a.execute(ctx, batch); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Printf("Imported %d events into %s\n", len(drafts), folder)
		return nil
	}

	return cmd
}

func readFeed(ctx context.Context, target string) ([]byte, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return os.ReadFile(target)
	}

	stateDir, err := config.GetStateDir()
	if err != nil {
		return nil, err
	}
	fetcher := ics.NewFetcher(filepath.Join(stateDir, "ics-cache"), &http.Client{Timeout: 30 * time.Second})
	res, err := fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	if res.FromCache {
		slog.Info("using cached feed", "cached", true)
	}
	return res.Body, nil
}

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create an event document",
		Args:  cobra.ExactArgs(1),
	}

	var folder, start, end, date, rtype, weekdays string
	cmd.Flags().StringVar(&folder, "folder", "", "vault folder for the document")
	cmd.Flags().StringVar(&start, "start", "", "start (YYYY-MM-DDTHH:MM)")
	cmd.Flags().StringVar(&end, "end", "", "end (YYYY-MM-DDTHH:MM, default one hour after start)")
	cmd.Flags().StringVar(&date, "date", "", "all-day date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&rtype, "repeat", "", "recurrence: daily, weekly, bi-weekly, monthly, bi-monthly or yearly")
	cmd.Flags().StringVar(&weekdays, "weekdays", "", "weekdays for weekly recurrence (e.g. \"monday, wednesday\")")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		fields := a.cfg.Fields

		var timing parser.Timing = parser.Untracked{}
		switch {
		case date != "":
			d, ok := parser.ParseDate(date)
			if !ok {
				return fmt.Errorf("invalid --date %q", date)
			}
			timing = parser.AllDay{Start: d}
		case start != "":
			s, _, ok := parser.ParseDateTime(start)
			if !ok {
				return fmt.Errorf("invalid --start %q", start)
			}
			e := s.Add(time.Hour)
			if end != "" {
				if e, _, ok = parser.ParseDateTime(end); !ok || e.Before(s) {
					return fmt.Errorf("invalid --end %q", end)
				}
			}
			timing = parser.Timed{Start: s, End: e}
		}

		meta, _ := parser.TimingPatch(fields, timing)
		meta[fields.Title] = args[0]
		if rtype != "" {
			t, ok := parser.ParseRecurrenceType(rtype)
			if !ok {
				return fmt.Errorf("unknown recurrence %q", rtype)
			}
			if _, isUntracked := timing.(parser.Untracked); isUntracked {
				return fmt.Errorf("a recurring event needs --start or --date")
			}
			meta[fields.RecurrenceType] = string(t)
			if weekdays != "" {
				meta[fields.RecurrenceSpec] = weekdays
			}
		}

		create := &command.CreateEvent{Vault: a.vault, Folder: folder, Title: args[0], Metadata: meta}
		if err := a.execute(context.Background(), create); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", create.Created())
		return nil
	}

	return cmd
}

func skipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <series> <date>",
		Short: "Toggle the skipped flag of one occurrence",
		Long:  `Skips or restores the occurrence of a recurring series on a date. The series is a recurrence group id or the path of its template.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			day, ok := parser.ParseDate(args[1])
			if !ok {
				return fmt.Errorf("invalid date %q", args[1])
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			if _, err := a.index(ctx, false); err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			group := args[0]
			if tmpl, ok := a.store.Get(group); ok && tmpl.IsTemplate() {
				group = tmpl.Recurrence.GroupID
			}

			target, ok := findOccurrence(a, group, day)
			if !ok {
				return fmt.Errorf("no occurrence of %s on %s", args[0], parser.FormatDate(day))
			}

			toggle := &command.ToggleSkip{Vault: a.vault, Fields: a.cfg.Fields, Event: target}
			if err := a.execute(ctx, toggle); err != nil {
				return err
			}
			fmt.Println(strings.ToUpper(toggle.Description()[:1]) + toggle.Description()[1:])
			return nil
		},
	}
}

// findOccurrence looks for a physical instance first; virtual occurrences
// only exist inside the horizon
func findOccurrence(a *app, group string, day time.Time) (parser.ParsedEvent, bool) {
	for _, inst := range a.store.InstancesOf(group) {
		if inst.Instance.Date.Equal(day) {
			return inst, true
		}
	}
	return a.recurrence.FindVirtual(group, day)
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete an event document",
		Long:  `Deletes an event document. Deleting a recurring template keeps its physical instances unless --cascade is given.`,
		Args:  cobra.ExactArgs(1),
	}

	var cascade bool
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete physical instances of a recurring template")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		path := filepath.ToSlash(args[0])

		a, err := loadApp()
		if err != nil {
			return err
		}
		if _, err := a.index(ctx, false); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		plan, err := a.recurrence.PlanTemplateDeletion(path)
		switch {
		case err == nil:
			if len(plan.PhysicalInstances) > 0 && !cascade {
				fmt.Printf("Keeping %d physical instances (use --cascade to delete them)\n", len(plan.PhysicalInstances))
			}
			if err := a.execute(ctx, command.NewDeleteTemplate(a.vault, plan, cascade)); err != nil {
				return err
			}
		default:
			if _, ok := a.store.Get(path); !ok {
				return fmt.Errorf("%s is not an indexed event document", path)
			}
			if err := a.execute(ctx, &command.DeleteEvent{Vault: a.vault, Path: path}); err != nil {
				return err
			}
		}

		fmt.Printf("Deleted %s\n", path)
		return nil
	}

	return cmd
}
