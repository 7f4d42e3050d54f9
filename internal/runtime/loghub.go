package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/store"
)

const (
	logQueryDefaultLimit = 100
	logQueryMaxLimit     = 300
)

// LogFilter narrows a log query. Zero values match everything.
type LogFilter struct {
	AccountID string
	Module    string
	Event     string
	Keyword   string
	WarnOnly  bool
	Limit     int
}

// LogHub is the bounded in-memory runtime log shared by every session.
// Appends are cheap; persistence happens in the background once enough
// entries pile up or the flush interval elapses, and is forced on shutdown.
type LogHub struct {
	repo     store.LogRepository
	max      int
	batch    int
	interval time.Duration

	mu      sync.Mutex
	entries []model.RuntimeLogEntry
	pending int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewLogHub(repo store.LogRepository, maxEntries, flushBatch int, flushInterval time.Duration) *LogHub {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if flushBatch < 1 {
		flushBatch = 1
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &LogHub{
		repo:     repo,
		max:      maxEntries,
		batch:    flushBatch,
		interval: flushInterval,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Load restores the persisted tail so logs survive a restart.
func (h *LogHub) Load(ctx context.Context) error {
	entries, err := h.repo.Load(ctx, h.max)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.entries = entries
	h.pending = 0
	h.mu.Unlock()
	return nil
}

func (h *LogHub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Close stops the flush loop and forces a final flush.
func (h *LogHub) Close() {
	close(h.done)
	h.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("final runtime log flush failed")
	}
}

func (h *LogHub) Append(entry model.RuntimeLogEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	h.pending++
	wantFlush := h.pending >= h.batch
	h.mu.Unlock()

	if wantFlush {
		select {
		case h.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush persists the current ring when there are unpersisted entries.
func (h *LogHub) Flush(ctx context.Context) error {
	h.mu.Lock()
	if h.pending == 0 {
		h.mu.Unlock()
		return nil
	}
	snapshot := make([]model.RuntimeLogEntry, len(h.entries))
	copy(snapshot, h.entries)
	pending := h.pending
	h.mu.Unlock()

	if err := h.repo.ReplaceAll(ctx, snapshot); err != nil {
		return err
	}

	h.mu.Lock()
	h.pending -= pending
	if h.pending < 0 {
		h.pending = 0
	}
	h.mu.Unlock()
	return nil
}

// Query returns matching entries, newest first.
func (h *LogHub) Query(f LogFilter) []model.RuntimeLogEntry {
	limit := f.Limit
	if limit < 1 {
		limit = logQueryDefaultLimit
	}
	if limit > logQueryMaxLimit {
		limit = logQueryMaxLimit
	}
	keyword := strings.ToLower(f.Keyword)

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]model.RuntimeLogEntry, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		entry := h.entries[i]
		if f.AccountID != "" && entry.AccountID != f.AccountID {
			continue
		}
		if f.Module != "" && entry.Module != f.Module {
			continue
		}
		if f.Event != "" && entry.Event != f.Event {
			continue
		}
		if f.WarnOnly && !entry.IsWarn {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(entry.Message), keyword) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (h *LogHub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("runtime log flush failed")
		}
	}

	for {
		select {
		case <-h.done:
			return
		case <-h.flushCh:
			flush()
		case <-ticker.C:
			flush()
		}
	}
}
