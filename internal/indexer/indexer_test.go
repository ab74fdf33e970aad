package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
)

func newTestIndexer(t *testing.T, root string) *Indexer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VaultPath = root
	cfg.IgnorePatterns = []string{".obsidian"}
	cfg.Indexer.DebounceMs = 20
	return New(cfg, parser.NewParser(cfg.Fields))
}

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// drain collects every document event currently buffered
func drain(ix *Indexer) []Event {
	var out []Event
	for _, ev := range drainAll(ix) {
		if ev.Kind != Indexed {
			out = append(out, ev)
		}
	}
	return out
}

func drainAll(ix *Indexer) []Event {
	var out []Event
	for {
		select {
		case ev := <-ix.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func byPath(events []Event) map[string]Event {
	m := make(map[string]Event, len(events))
	for _, ev := range events {
		m[ev.Path] = ev
	}
	return m
}

func TestScan_EmitsOneEventPerDocument(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "Events/standup.md", "---\nstart: 2025-01-06T09:00:00\n---\n")
	writeDoc(t, root, "Notes/idea.md", "just text\n")
	writeDoc(t, root, "Events/broken.md", "---\ntitle: [\n---\n")
	writeDoc(t, root, ".obsidian/config.md", "---\ndate: 2025-01-06\n---\n")
	writeDoc(t, root, "image.png", "binary")

	ix := newTestIndexer(t, root)
	stats, err := ix.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Parsed)
	assert.Equal(t, 1, stats.Failed)

	all := drainAll(ix)
	require.Len(t, all, 3)
	assert.Equal(t, Indexed, all[2].Kind, "scan completion follows the document events")
	assert.Empty(t, all[2].Path)

	events := byPath(all[:2])
	require.Len(t, events, 2)
	assert.Equal(t, parser.KindTimed, events["Events/standup.md"].Parsed.Kind())
	assert.Equal(t, parser.KindUntracked, events["Notes/idea.md"].Parsed.Kind())

	select {
	case <-ix.IndexingComplete():
	default:
		t.Fatal("indexing-complete signal should be closed after Scan")
	}
	assert.NoError(t, ix.WaitIndexed(context.Background()))
}

func TestScan_IncrementalSkipsUnchanged(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "a.md", "---\ndate: 2025-01-06\n---\n")
	writeDoc(t, root, "b.md", "---\ndate: 2025-01-07\n---\n")

	ix := newTestIndexer(t, root)
	_, err := ix.Scan(context.Background())
	require.NoError(t, err)
	drain(ix)

	// second scan with nothing changed emits nothing
	stats, err := ix.scan(context.Background(), false, ix.generation.Load())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Unchanged)
	assert.Empty(t, drain(ix))

	// modified and removed documents are picked up
	writeDoc(t, root, "a.md", "---\ndate: 2025-02-01\n---\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.md"), future, future))
	require.NoError(t, os.Remove(filepath.Join(root, "b.md")))

	_, err = ix.scan(context.Background(), false, ix.generation.Load())
	require.NoError(t, err)

	events := byPath(drain(ix))
	require.Len(t, events, 2)
	assert.Equal(t, Changed, events["a.md"].Kind)
	assert.Equal(t, Deleted, events["b.md"].Kind)
	assert.False(t, ix.Known("b.md"))
}

func TestResync_IgnoresCache(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "a.md", "---\ndate: 2025-01-06\n---\n")

	ix := newTestIndexer(t, root)
	_, err := ix.Scan(context.Background())
	require.NoError(t, err)
	drain(ix)

	stats, err := ix.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parsed)
	assert.Len(t, drain(ix), 1)
}

func TestIndex_StaleGenerationIsDropped(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "a.md", "---\ndate: 2025-01-06\n---\n")

	ix := newTestIndexer(t, root)
	gen := ix.generation.Load()
	ix.generation.Add(1)

	_, err := ix.index(context.Background(), "a.md", time.Now(), gen)
	require.NoError(t, err)
	assert.Empty(t, drain(ix))
	assert.False(t, ix.Known("a.md"))
}

func TestIndex_ParseFailureRemovesKnownDocument(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "a.md", "---\ndate: 2025-01-06\n---\n")

	ix := newTestIndexer(t, root)
	_, err := ix.Scan(context.Background())
	require.NoError(t, err)
	drain(ix)

	writeDoc(t, root, "a.md", "---\ndate: [\n---\n")
	_, err = ix.index(context.Background(), "a.md", time.Now(), ix.generation.Load())
	require.NoError(t, err)

	events := drain(ix)
	require.Len(t, events, 1)
	assert.Equal(t, Deleted, events[0].Kind)
}

func TestStart_WatchesChanges(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "Events/a.md", "---\ndate: 2025-01-06\n---\n")

	ix := newTestIndexer(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ix.Start(ctx))
	defer ix.Stop()

	first := <-ix.Events()
	assert.Equal(t, "Events/a.md", first.Path)
	assert.Equal(t, Indexed, (<-ix.Events()).Kind)

	writeDoc(t, root, "Events/b.md", "---\nstart: 2025-01-07T10:00:00\n---\n")

	select {
	case ev := <-ix.Events():
		assert.Equal(t, "Events/b.md", ev.Path)
		assert.Equal(t, Changed, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watched change")
	}

	require.NoError(t, os.RemoveAll(filepath.Join(root, "Events")))

	deleted := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for len(deleted) < 2 {
		select {
		case ev := <-ix.Events():
			if ev.Kind == Deleted {
				deleted[ev.Path] = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for deletes, got %v", deleted)
		}
	}
}
