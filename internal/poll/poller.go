// Package poll reconciles the engine's task list into the store on a fixed
// cadence and emits change events for the notifier. Diffing against the last
// snapshot bounds staleness to one interval and keeps the rest of the bot
// engine-agnostic.
package poll

import (
	"context"
	"log"
	"time"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/engine"
	"example.com/aria2bot/internal/metrics"
	"example.com/aria2bot/internal/store"
)

type Config struct {
	// Interval between poll cycles; doubled after consecutive failures up
	// to MaxInterval, reset on the next success.
	Interval    time.Duration
	MaxInterval time.Duration
	// MissThreshold is how many consecutive polls may omit a known task
	// before it is finalized as removed. One miss is RPC flakiness, not
	// an error.
	MissThreshold int
	// ProgressDelta is the minimum byte-count change worth an event, so a
	// slow download does not flood the notifier.
	ProgressDelta int64
}

type Poller struct {
	engine engine.Client
	store  *store.Store
	events chan<- domain.ChangeEvent
	cfg    Config

	now func() time.Time
}

func New(eng engine.Client, st *store.Store, events chan<- domain.ChangeEvent, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 2
	}
	if cfg.ProgressDelta <= 0 {
		cfg.ProgressDelta = 64 << 10
	}
	return &Poller{
		engine: eng,
		store:  st,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled. Cycle errors never stop the loop; they
// stretch the interval instead.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := p.cycle(ctx); err != nil {
			metrics.PollFailures.Inc()
			log.Printf("poll: cycle skipped: %v", err)
			interval *= 2
			if interval > p.cfg.MaxInterval {
				interval = p.cfg.MaxInterval
			}
			continue
		}
		metrics.PollCycles.Inc()
		metrics.TasksTracked.Set(float64(p.store.Len()))
		interval = p.cfg.Interval
	}
}

// cycle fetches the engine state and commits the diff. On RPC failure nothing
// is committed: the previous snapshot stays authoritative.
func (p *Poller) cycle(ctx context.Context) error {
	// Stamp with the cycle's start time, not the RPC's return time: an
	// action confirmed while List is in flight must stay newer than the
	// pre-action data this cycle brings back.
	now := p.now()
	tasks, err := p.engine.List(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		t.LastSeenAt = now
		seen[t.GID] = struct{}{}

		prev, known := p.store.Get(t.GID)
		merged := p.store.Upsert(t)
		p.store.ResetMisses(t.GID)

		if !known || p.changed(prev, merged) {
			p.emit(ctx, domain.ChangeEvent{Task: merged})
		}
	}

	for _, known := range p.store.All() {
		if _, ok := seen[known.GID]; ok {
			continue
		}
		if p.store.MarkMissed(known.GID) < p.cfg.MissThreshold {
			continue
		}
		// Finished or vanished: delete the entry and send one last
		// snapshot so the message can say goodbye.
		p.store.Remove(known.GID)
		final := known
		final.Status = domain.StatusRemoved
		final.LastSeenAt = now
		p.emit(ctx, domain.ChangeEvent{Task: final, Final: true})
	}
	return nil
}

// changed reports whether the merged snapshot differs enough from the
// previous one to be worth a render.
func (p *Poller) changed(prev, cur domain.Task) bool {
	if prev.Status != cur.Status {
		return true
	}
	if prev.TotalBytes != cur.TotalBytes {
		return true
	}
	if prev.ErrorCode != cur.ErrorCode || prev.ErrorMessage != cur.ErrorMessage {
		return true
	}
	delta := cur.CompletedBytes - prev.CompletedBytes
	if delta < 0 {
		delta = -delta
	}
	return delta >= p.cfg.ProgressDelta
}

func (p *Poller) emit(ctx context.Context, ev domain.ChangeEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}
