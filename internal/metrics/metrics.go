// Package metrics exposes the bot's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria2bot_poll_cycles_total",
		Help: "Completed poll cycles against the aria2 RPC endpoint.",
	})
	PollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria2bot_poll_failures_total",
		Help: "Poll cycles skipped because the RPC call failed.",
	})
	TasksTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aria2bot_tasks_tracked",
		Help: "Tasks currently held in the store.",
	})
	MessagesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria2bot_messages_created_total",
		Help: "New status messages sent to the chat.",
	})
	EditsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria2bot_edits_sent_total",
		Help: "Message edits delivered to the chat transport.",
	})
	EditsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria2bot_edits_deduped_total",
		Help: "Edits skipped because the rendered payload was unchanged.",
	})
	EditsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aria2bot_edits_rate_limited_total",
		Help: "Edits deferred after a transport rate-limit response.",
	})
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aria2bot_actions_total",
		Help: "User control actions by outcome.",
	}, []string{"kind", "outcome"})
)
