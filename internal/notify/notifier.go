// Package notify applies rendered task payloads to the chat transport. It is
// the only component that talks to the transport for status messages, so the
// pacing and dedup rules live here and nowhere else.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/metrics"
	"example.com/aria2bot/internal/render"
	"example.com/aria2bot/internal/store"
)

// Transport is the outbound chat surface the notifier needs. The telegram
// package implements it.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, p render.Payload) (messageID int, err error)
	EditMessage(ctx context.Context, chatID int64, messageID int, p render.Payload) error
}

// ErrMessageGone is returned by a Transport when the target message no longer
// exists (deleted by the user, chat migrated). The notifier drops the binding
// and recreates the message on the next flush.
var ErrMessageGone = errors.New("message gone")

// RateLimitedError is returned by a Transport when the chat service throttled
// the call. RetryAfter extends the notifier's pacing state.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

const (
	// transientRetryDelay paces retries after a plain transport fault.
	transientRetryDelay = 2 * time.Second
	// idleWait bounds the run-loop timer when nothing is pending.
	idleWait = time.Minute
)

type Config struct {
	// NotifyChatID receives auto-created messages for newly observed tasks.
	NotifyChatID int64
	// EditSpacing is the minimum interval between edits of one message.
	EditSpacing time.Duration
	// ChatRate/ChatBurst bound the overall per-chat send budget.
	ChatRate  rate.Limit
	ChatBurst int
}

type Notifier struct {
	store     *store.Store
	transport Transport
	cfg       Config

	events chan domain.ChangeEvent

	// Fields below belong to the run goroutine only.
	pending  map[string]domain.ChangeEvent
	retryAt  map[string]time.Time
	limiters map[int64]*rate.Limiter

	now func() time.Time
}

func New(st *store.Store, transport Transport, cfg Config) *Notifier {
	if cfg.EditSpacing <= 0 {
		cfg.EditSpacing = 3 * time.Second
	}
	if cfg.ChatRate <= 0 {
		cfg.ChatRate = rate.Every(time.Second)
	}
	if cfg.ChatBurst <= 0 {
		cfg.ChatBurst = 5
	}
	return &Notifier{
		store:     st,
		transport: transport,
		cfg:       cfg,
		events:    make(chan domain.ChangeEvent, 256),
		pending:   make(map[string]domain.ChangeEvent),
		retryAt:   make(map[string]time.Time),
		limiters:  make(map[int64]*rate.Limiter),
		now:       time.Now,
	}
}

// Events is where the poller and the dispatcher push change events.
func (n *Notifier) Events() chan<- domain.ChangeEvent {
	return n.events
}

// Run drains the event channel until ctx is cancelled. Events for the same
// task are coalesced: only the latest snapshot is sent once its pacing window
// opens.
func (n *Notifier) Run(ctx context.Context) {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		next := n.flush(ctx)
		wait := idleWait
		if !next.IsZero() {
			if d := next.Sub(n.now()); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.coalesce(ev)
		case <-timer.C:
		}
	}
}

// coalesce keeps the latest snapshot per GID. A Final marker survives even if
// a stale non-final event were to arrive after it, which cannot happen on the
// single emission path but costs nothing to guard.
func (n *Notifier) coalesce(ev domain.ChangeEvent) {
	if prev, ok := n.pending[ev.Task.GID]; ok && prev.Final {
		return
	}
	n.pending[ev.Task.GID] = ev
}

// flush pushes every due pending task and returns the earliest time a
// remaining one becomes due (zero when nothing is pending).
func (n *Notifier) flush(ctx context.Context) time.Time {
	var next time.Time
	for gid, ev := range n.pending {
		due := n.dueAt(gid)
		if now := n.now(); now.Before(due) {
			next = earliest(next, due)
			continue
		}
		p := render.Render(ev.Task)
		b, bound := n.store.BindingFor(gid)

		// Outcomes that need no network call must not charge the chat
		// limiter: a deduped edit cannot defer someone else's real one.
		if !bound && ev.Final {
			// A vanished task that never had a message needs no farewell.
			delete(n.pending, gid)
			delete(n.retryAt, gid)
			continue
		}
		if bound && b.RenderedHash == p.Hash() {
			metrics.EditsDeduped.Inc()
			if ev.Final {
				n.store.DropBinding(gid)
			}
			delete(n.pending, gid)
			delete(n.retryAt, gid)
			continue
		}

		chatID := n.cfg.NotifyChatID
		if bound {
			chatID = b.ChatID
		}
		if !n.limiter(chatID).Allow() {
			next = earliest(next, n.now().Add(n.cfg.EditSpacing))
			continue
		}
		if done := n.push(ctx, ev, p, b, bound); done {
			delete(n.pending, gid)
			delete(n.retryAt, gid)
		} else {
			next = earliest(next, n.dueAt(gid))
		}
	}
	return next
}

// dueAt is when gid's next send is allowed: the per-message spacing window
// plus any rate-limit penalty the transport imposed.
func (n *Notifier) dueAt(gid string) time.Time {
	due := n.retryAt[gid]
	if b, ok := n.store.BindingFor(gid); ok && !b.LastEditAt.IsZero() {
		if spaced := b.LastEditAt.Add(n.cfg.EditSpacing); spaced.After(due) {
			due = spaced
		}
	}
	return due
}

// push sends one coalesced event over the transport. It reports whether the
// event is finished; pacing failures keep it pending.
func (n *Notifier) push(ctx context.Context, ev domain.ChangeEvent, p render.Payload, b domain.Binding, bound bool) bool {
	gid := ev.Task.GID

	if !bound {
		id, err := n.transport.SendMessage(ctx, n.cfg.NotifyChatID, p)
		if err != nil {
			n.deferSend(gid, err)
			return false
		}
		metrics.MessagesCreated.Inc()
		n.store.Bind(gid, n.cfg.NotifyChatID, id)
		n.store.MarkEdited(gid, p.Hash(), n.now())
		return true
	}

	err := n.transport.EditMessage(ctx, b.ChatID, b.MessageID, p)
	switch {
	case err == nil:
		metrics.EditsSent.Inc()
		n.store.MarkEdited(gid, p.Hash(), n.now())
		if ev.Final {
			n.store.DropBinding(gid)
		}
		return true
	case errors.Is(err, ErrMessageGone):
		// Self-heal: forget the dead message, a fresh one is created on
		// the next flush.
		log.Printf("notify: message for %s gone, rebinding", gid)
		n.store.DropBinding(gid)
		n.retryAt[gid] = n.now()
		return false
	default:
		n.deferSend(gid, err)
		return false
	}
}

// deferSend records when gid may be retried after a failed send. The hash was
// not updated, so the retry re-sends the same payload.
func (n *Notifier) deferSend(gid string, err error) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		metrics.EditsRateLimited.Inc()
		n.retryAt[gid] = n.now().Add(rl.RetryAfter)
		return
	}
	log.Printf("notify: send for %s failed: %v", gid, err)
	n.retryAt[gid] = n.now().Add(transientRetryDelay)
}

func (n *Notifier) limiter(chatID int64) *rate.Limiter {
	l, ok := n.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(n.cfg.ChatRate, n.cfg.ChatBurst)
		n.limiters[chatID] = l
	}
	return l
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
