// Package app wires the components together: one shared store, one engine
// client, and the three loops (poller, notifier, dispatcher) plus the bot's
// update loop, joined by the change-event and pending-action channels.
package app

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"example.com/aria2bot/internal/action"
	"example.com/aria2bot/internal/aria2"
	"example.com/aria2bot/internal/config"
	httphandlers "example.com/aria2bot/internal/handler/http"
	"example.com/aria2bot/internal/notify"
	"example.com/aria2bot/internal/poll"
	"example.com/aria2bot/internal/store"
	"example.com/aria2bot/internal/telegram"
)

type App struct {
	Config config.Config
	Router http.Handler

	store      *store.Store
	notifier   *notify.Notifier
	poller     *poll.Poller
	dispatcher *action.Dispatcher
	bot        *telegram.Bot
}

func New(cfg config.Config) *App {
	st := store.New()
	eng := aria2.New(cfg.Aria2.RPCURL, cfg.Aria2.Secret, cfg.Aria2.Timeout.Std())
	tg := telegram.NewClient(cfg.Telegram.Token)

	notifier := notify.New(st, tg, notify.Config{
		NotifyChatID: cfg.Telegram.NotifyChatID,
		EditSpacing:  cfg.Notify.EditSpacing.Std(),
		ChatRate:     rate.Limit(cfg.Notify.ChatRate),
		ChatBurst:    cfg.Notify.ChatBurst,
	})
	poller := poll.New(eng, st, notifier.Events(), poll.Config{
		Interval:      cfg.Poll.Interval.Std(),
		MaxInterval:   cfg.Poll.MaxInterval.Std(),
		MissThreshold: cfg.Poll.MissThreshold,
		ProgressDelta: cfg.Poll.ProgressDelta,
	})
	dispatcher := action.New(st, eng, tg, notifier.Events(), cfg.Telegram.Admins)
	bot := telegram.NewBot(tg, st, eng, dispatcher.Actions(), notifier.Events(), cfg.Telegram, cfg.Download)

	return &App{
		Config:     cfg,
		Router:     httphandlers.New(st),
		store:      st,
		notifier:   notifier,
		poller:     poller,
		dispatcher: dispatcher,
		bot:        bot,
	}
}

// Run starts every loop and blocks until ctx is cancelled and all loops have
// finished their in-flight work.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		a.poller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.notifier.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = a.bot.Run(ctx)
	}()
	wg.Wait()
}
