// Package action validates and executes user-requested control operations.
// Each pending action walks Requested → Validated → Dispatched →
// {Confirmed, Failed}; rejections never reach the engine.
package action

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/engine"
	"example.com/aria2bot/internal/metrics"
	"example.com/aria2bot/internal/store"
)

// dispatchTimeout caps one engine call; it matches the engine client's own
// timeout so the dispatcher never hangs the action loop.
const dispatchTimeout = 10 * time.Second

// Responder delivers the one-shot outcome notice tied to the originating
// button press.
type Responder interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

type Dispatcher struct {
	store     *store.Store
	engine    engine.Client
	responder Responder
	events    chan<- domain.ChangeEvent
	admins    map[int64]struct{}

	actions chan domain.PendingAction
	now     func() time.Time
}

func New(st *store.Store, eng engine.Client, responder Responder, events chan<- domain.ChangeEvent, admins []int64) *Dispatcher {
	set := make(map[int64]struct{}, len(admins))
	for _, id := range admins {
		set[id] = struct{}{}
	}
	return &Dispatcher{
		store:     st,
		engine:    eng,
		responder: responder,
		events:    events,
		admins:    set,
		actions:   make(chan domain.PendingAction, 64),
		now:       time.Now,
	}
}

// Actions is the inbound queue the bot pushes button presses into.
func (d *Dispatcher) Actions() chan<- domain.PendingAction {
	return d.actions
}

// Run consumes actions serially until ctx is cancelled. Serial consumption is
// what makes the double-tap guard work: the second action's validation sees
// the first one's optimistic write.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.actions:
			d.handle(ctx, a)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, a domain.PendingAction) {
	// Validated step. The status is re-read from the store now, not when
	// the button was rendered.
	if _, ok := d.admins[a.UserID]; !ok {
		d.reject(ctx, a, "Not authorized.")
		return
	}
	task, ok := d.store.Get(a.GID)
	if !ok {
		d.reject(ctx, a, fmt.Sprintf("Task %s not found.", a.GID))
		return
	}
	if !domain.ActionAllowed(a.Kind, task.Status) {
		d.reject(ctx, a, fmt.Sprintf("Cannot %s a %s task.", a.Kind, task.Status))
		return
	}

	// Dispatched step.
	callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	err := d.dispatch(callCtx, a)
	cancel()
	if err != nil {
		// Failed: the store is untouched and the user may re-press.
		metrics.Actions.WithLabelValues(string(a.Kind), "failed").Inc()
		log.Printf("action: %s %s failed: %v", a.Kind, a.GID, err)
		d.answer(ctx, a, fmt.Sprintf("%s failed: %v", actionVerb(a.Kind), shortError(err)))
		return
	}

	// Confirmed: optimistic overwrite plus an immediate re-render, so the
	// UI does not wait for the next poll.
	metrics.Actions.WithLabelValues(string(a.Kind), "confirmed").Inc()
	updated, ok := d.store.SetStatus(a.GID, a.Kind.TargetStatus(), d.now())
	if ok {
		select {
		case d.events <- domain.ChangeEvent{Task: updated}:
		case <-ctx.Done():
		}
	}
	d.answer(ctx, a, fmt.Sprintf("%s ok.", actionVerb(a.Kind)))
}

func (d *Dispatcher) dispatch(ctx context.Context, a domain.PendingAction) error {
	switch a.Kind {
	case domain.ActionPause:
		return d.engine.Pause(ctx, a.GID)
	case domain.ActionResume:
		return d.engine.Resume(ctx, a.GID)
	case domain.ActionRemove:
		return d.engine.Remove(ctx, a.GID)
	}
	return fmt.Errorf("unknown action %q", a.Kind)
}

func (d *Dispatcher) reject(ctx context.Context, a domain.PendingAction, text string) {
	metrics.Actions.WithLabelValues(string(a.Kind), "rejected").Inc()
	d.answer(ctx, a, text)
}

func (d *Dispatcher) answer(ctx context.Context, a domain.PendingAction, text string) {
	if a.CallbackID == "" {
		return
	}
	if err := d.responder.AnswerCallback(ctx, a.CallbackID, text); err != nil {
		log.Printf("action: answer callback: %v", err)
	}
}

func actionVerb(k domain.ActionKind) string {
	switch k {
	case domain.ActionPause:
		return "Pause"
	case domain.ActionResume:
		return "Resume"
	case domain.ActionRemove:
		return "Remove"
	}
	return string(k)
}

func shortError(err error) string {
	var ce *engine.CallError
	if errors.As(err, &ce) && ce.IsNotFound() {
		return "task is gone from the engine"
	}
	if engine.IsTransient(err) {
		return "engine unreachable"
	}
	return err.Error()
}
