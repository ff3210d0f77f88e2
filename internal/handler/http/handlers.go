// Package httpx serves the bot's operational surface: health, a read-only
// task snapshot, and Prometheus metrics.
package httpx

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/store"
	"example.com/aria2bot/pkg/response"
)

type Handler struct {
	mux   *http.ServeMux
	store *store.Store
}

func New(s *store.Store) http.Handler {
	h := &Handler{
		mux:   http.NewServeMux(),
		store: s,
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /healthz", h.health)
	h.mux.HandleFunc("GET /tasks", h.tasks)
	h.mux.Handle("GET /metrics", promhttp.Handler())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

type taskView struct {
	GID            string  `json:"gid"`
	Status         string  `json:"status"`
	Name           string  `json:"name"`
	Source         string  `json:"source,omitempty"`
	CompletedBytes int64   `json:"completed_bytes"`
	TotalBytes     int64   `json:"total_bytes"`
	Progress       float64 `json:"progress"`
	DownloadSpeed  int64   `json:"download_speed"`
}

func (h *Handler) tasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.store.All()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].GID < tasks[j].GID })
	items := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toView(t))
	}
	response.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func toView(t domain.Task) taskView {
	return taskView{
		GID:            t.GID,
		Status:         string(t.Status),
		Name:           t.Name,
		Source:         string(t.Source),
		CompletedBytes: t.CompletedBytes,
		TotalBytes:     t.TotalBytes,
		Progress:       t.Progress(),
		DownloadSpeed:  t.DownloadSpeed,
	}
}
