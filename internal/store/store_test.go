package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/indexer"
	"github.com/vonshlovens/vaultcal/internal/parser"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.Local)
}

func event(path string, meta parser.Metadata) parser.ParsedEvent {
	return parser.Parse(path, meta, config.DefaultFields())
}

func changed(path string, meta parser.Metadata) indexer.Event {
	return indexer.FileChanged(path, event(path, meta))
}

func TestApply_Idempotent(t *testing.T) {
	s := New(0)

	var notifications []ChangeSet
	unsubscribe := s.Subscribe(func(cs ChangeSet) { notifications = append(notifications, cs) })
	defer unsubscribe()

	ev := changed("a.md", parser.Metadata{"date": "2025-01-06", "title": "A"})

	assert.True(t, s.Apply(ev))
	assert.False(t, s.Apply(changed("a.md", parser.Metadata{"date": "2025-01-06", "title": "A"})))
	assert.False(t, s.Apply(ev))

	require.Len(t, notifications, 1)
	assert.Len(t, notifications[0].Upserted, 1)
	assert.Equal(t, 1, s.Len())
}

func TestApply_FullReindexOfUnchangedVaultIsSilent(t *testing.T) {
	s := New(0)
	docs := map[string]parser.Metadata{
		"a.md": {"date": "2025-01-06"},
		"b.md": {"start": "2025-01-07T09:00:00"},
		"c.md": {"title": "undated"},
	}
	for path, meta := range docs {
		s.Apply(changed(path, meta))
	}

	count := 0
	s.Subscribe(func(ChangeSet) { count++ })

	for path, meta := range docs {
		s.Apply(changed(path, meta))
	}
	s.Flush()
	assert.Zero(t, count)
}

func TestApply_Delete(t *testing.T) {
	s := New(0)
	var last ChangeSet
	s.Subscribe(func(cs ChangeSet) { last = cs })

	assert.False(t, s.Apply(indexer.FileDeleted("missing.md")))

	s.Apply(changed("a.md", parser.Metadata{"date": "2025-01-06"}))
	assert.True(t, s.Apply(indexer.FileDeleted("a.md")))
	assert.Equal(t, []string{"a.md"}, last.Removed)

	_, ok := s.Get("a.md")
	assert.False(t, ok)
}

func TestQueries(t *testing.T) {
	s := New(0)
	s.Apply(changed("late.md", parser.Metadata{"start": "2025-01-06T15:00:00"}))
	s.Apply(changed("early.md", parser.Metadata{"start": "2025-01-06T09:00:00"}))
	s.Apply(changed("skipped.md", parser.Metadata{"date": "2025-01-06", "skip": true}))
	s.Apply(changed("other-day.md", parser.Metadata{"date": "2025-01-09"}))
	s.Apply(changed("undated.md", parser.Metadata{"title": "x"}))
	s.Apply(changed("gym.md", parser.Metadata{"date": "2025-01-06", "rrule": "weekly", "rruleId": "gym"}))
	s.Apply(changed("gym-0108.md", parser.Metadata{"date": "2025-01-08", "rruleId": "gym", "instanceDate": "2025-01-08"}))
	s.Apply(changed("synced.md", parser.Metadata{
		"date":         "2025-01-10",
		"calendarSync": map[string]any{"accountId": "work", "calendarHref": "/cal/", "uid": "u1"},
	}))

	jan6 := parser.Range{Start: day(6), End: day(7)}

	got := s.NonSkippedEvents(jan6)
	paths := make([]string, len(got))
	for i, ev := range got {
		paths[i] = ev.Path
	}
	assert.Equal(t, []string{"gym.md", "early.md", "late.md"}, paths)

	skipped := s.SkippedEvents(jan6)
	require.Len(t, skipped, 1)
	assert.Equal(t, "skipped.md", skipped[0].Path)

	assert.Len(t, s.AllEvents(), 8)

	templates := s.Templates()
	require.Len(t, templates, 1)
	assert.Equal(t, "gym.md", templates[0].Path)

	instances := s.InstancesOf("gym")
	require.Len(t, instances, 1)
	assert.Equal(t, "gym-0108.md", instances[0].Path)

	found, ok := s.FindBySyncUID("work", "/cal/", "u1")
	require.True(t, ok)
	assert.Equal(t, "synced.md", found.Path)

	_, ok = s.FindBySyncUID("work", "/other/", "u1")
	assert.False(t, ok)
}

func TestSubscribe_CoalescesWithinWindow(t *testing.T) {
	s := New(time.Hour)

	var sets []ChangeSet
	unsubscribe := s.Subscribe(func(cs ChangeSet) { sets = append(sets, cs) })

	s.Apply(changed("a.md", parser.Metadata{"date": "2025-01-06"}))
	s.Apply(changed("b.md", parser.Metadata{"date": "2025-01-07"}))
	s.Apply(changed("a.md", parser.Metadata{"date": "2025-01-08"}))
	assert.Empty(t, sets)

	s.Flush()
	require.Len(t, sets, 1)
	assert.Len(t, sets[0].Upserted, 2)

	unsubscribe()
	unsubscribe()
	s.Apply(indexer.FileDeleted("a.md"))
	s.Flush()
	assert.Len(t, sets, 1)
}

func TestRun_DrainsChannel(t *testing.T) {
	s := New(0)
	ch := make(chan indexer.Event, 2)
	ch <- changed("a.md", parser.Metadata{"date": "2025-01-06"})
	ch <- changed("b.md", parser.Metadata{"date": "2025-01-07"})
	close(ch)

	require.NoError(t, s.Run(context.Background(), ch))
	assert.Equal(t, 2, s.Len())
}

func TestRun_ReadyAfterInitialScanApplied(t *testing.T) {
	s := New(time.Hour)

	var (
		mu        sync.Mutex
		delivered []string
	)
	s.Subscribe(func(cs ChangeSet) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range cs.Upserted {
			delivered = append(delivered, ev.Path)
		}
	})

	ch := make(chan indexer.Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, ch)

	ch <- changed("a.md", parser.Metadata{"date": "2025-01-06"})
	ch <- changed("b.md", parser.Metadata{"date": "2025-01-07"})

	select {
	case <-s.Ready():
		t.Fatal("store reported ready before the scan completed")
	default:
	}

	ch <- indexer.Event{Kind: indexer.Indexed}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, s.WaitReady(waitCtx))

	assert.Equal(t, 2, s.Len())
	mu.Lock()
	assert.ElementsMatch(t, []string{"a.md", "b.md"}, delivered)
	mu.Unlock()

	// a second scan does not reopen readiness
	assert.False(t, s.Apply(indexer.Event{Kind: indexer.Indexed}))
	assert.NoError(t, s.WaitReady(context.Background()))
}

func TestWaitReady_HonorsContext(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.WaitReady(ctx), context.Canceled)
}

func TestFlush_ConcurrentFlushesDeliverInOrder(t *testing.T) {
	s := New(time.Hour)

	var versions []int
	s.Subscribe(func(cs ChangeSet) {
		for _, ev := range cs.Upserted {
			n, err := strconv.Atoi(strings.TrimPrefix(ev.Title, "v"))
			if err == nil {
				versions = append(versions, n)
			}
		}
	})

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		s.Apply(changed("a.md", parser.Metadata{"date": "2025-01-06", "title": fmt.Sprintf("v%d", i)}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Flush()
		}()
	}
	wg.Wait()
	s.Flush()

	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		require.Less(t, versions[i-1], versions[i], "delivery %d went backwards", i)
	}
	assert.Equal(t, 200, versions[len(versions)-1])
}
