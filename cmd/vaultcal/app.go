package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/vonshlovens/vaultcal/internal/caldav"
	"github.com/vonshlovens/vaultcal/internal/command"
	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/indexer"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/recurrence"
	"github.com/vonshlovens/vaultcal/internal/store"
	"github.com/vonshlovens/vaultcal/internal/sync"
	"github.com/vonshlovens/vaultcal/internal/vault"
)

// app bundles the components every command builds from the config
type app struct {
	cfg        *config.Config
	vault      *vault.Vault
	parser     *parser.Parser
	indexer    *indexer.Indexer
	store      *store.Store
	recurrence *recurrence.Manager
	commands   *command.Manager
}

func newApp(cfg *config.Config, notifyWindow time.Duration) *app {
	p := parser.NewParser(cfg.Fields)
	st := store.New(notifyWindow)
	return &app{
		cfg:        cfg,
		vault:      vault.New(cfg.VaultPath),
		parser:     p,
		indexer:    indexer.New(cfg, p),
		store:      st,
		recurrence: recurrence.NewManager(st, cfg.Recurrence.FutureInstances, nil),
		commands:   command.NewManager(cfg.UndoLimit),
	}
}

func loadApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cfg, 0), nil
}

// index runs one scan and applies its events to the store before returning
func (a *app) index(ctx context.Context, progress bool) (indexer.Stats, error) {
	if progress {
		// the bar locks internally; workers report concurrently
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Indexing documents"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
		a.indexer.SetProgress(func(done, total int) {
			bar.ChangeMax(total)
			bar.Set(done)
		})
		defer func() {
			bar.Finish()
			a.indexer.SetProgress(nil)
		}()
	}

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case ev := <-a.indexer.Events():
				a.store.Apply(ev)
			case <-stop:
				for {
					select {
					case ev := <-a.indexer.Events():
						a.store.Apply(ev)
					default:
						return
					}
				}
			}
		}
	}()

	stats, err := a.indexer.Scan(ctx)
	close(stop)
	<-drained
	a.store.Flush()
	a.recurrence.Rebuild(time.Now())
	return stats, err
}

// syncEngine builds a CalDAV sync engine over the indexed store. The caller
// closes both the engine and the pool.
func (a *app) syncEngine(confirm sync.Confirmer) (*sync.Engine, *caldav.Pool, error) {
	state, err := sync.NewStateTracker(a.cfg.VaultPath, a.cfg.Sync.StateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	pool := caldav.NewPool(nil)
	engine := sync.NewEngine(a.cfg, a.vault, a.parser, state, pool, a.store, confirm)
	return engine, pool, nil
}

// execute runs cmd through the command manager
func (a *app) execute(ctx context.Context, cmd command.Command) error {
	return a.commands.Execute(ctx, cmd)
}

// promptConfirmer asks on the terminal before deleting documents that carry
// user content
func promptConfirmer(policy string) sync.Confirmer {
	reader := bufio.NewReader(os.Stdin)
	return sync.PolicyConfirmer{
		Policy: policy,
		Ask: func(path string, ev parser.ParsedEvent) bool {
			fmt.Printf("Remote event %q was deleted. Delete %s? [y/N]: ", ev.Title, path)
			answer, _ := reader.ReadString('\n')
			answer = strings.ToLower(strings.TrimSpace(answer))
			return answer == "y" || answer == "yes"
		},
	}
}

func formatEvent(ev parser.ParsedEvent) string {
	var when string
	switch t := ev.Timing.(type) {
	case parser.Timed:
		when = t.Start.Format("2006-01-02 15:04") + "-" + t.End.Format("15:04")
	case parser.AllDay:
		when = parser.FormatDate(t.Start) + " (all day)"
	default:
		when = "(untracked)"
	}

	line := fmt.Sprintf("%-28s %s", when, ev.Title)
	switch {
	case ev.Virtual:
		line += "  [virtual]"
	case ev.IsTemplate():
		line += "  [" + string(ev.Recurrence.Type) + "]"
	case ev.Instance != nil:
		line += "  [instance]"
	}
	if ev.Skipped {
		line += "  [skipped]"
	}
	if ev.Sync != nil {
		line += "  <" + ev.Sync.AccountID + ">"
	}
	if !ev.Virtual {
		line += "  " + ev.Path
	}
	return line
}

func printResult(r sync.Result) {
	status := "ok"
	if !r.Success {
		status = "failed"
	}
	mode := "incremental"
	if r.Full {
		mode = "full"
	}
	fmt.Printf("%s/%s: %s (%s, %s)\n", r.Account, r.Calendar, status, mode, r.Duration.Round(time.Millisecond))
	fmt.Printf("  pulled: %d created, %d updated, %d deleted, %d kept, %d skipped\n",
		r.Created, r.Updated, r.Deleted, r.Kept, r.Skipped)
	fmt.Printf("  pushed: %d uploaded, %d removed\n", r.Pushed, r.Removed)
	for _, err := range r.Errors {
		fmt.Printf("  error: %v\n", err)
	}
}
