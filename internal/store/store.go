// Package store holds the in-memory task registry shared by the poller, the
// notifier and the action dispatcher. Every method is a short critical
// section; the lock is never held across I/O.
package store

import (
	"sync"
	"time"

	"example.com/aria2bot/internal/domain"
)

type Store struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	bindings map[string]domain.Binding
	misses   map[string]int
}

func New() *Store {
	return &Store{
		tasks:    make(map[string]domain.Task),
		bindings: make(map[string]domain.Binding),
		misses:   make(map[string]int),
	}
}

// Upsert merges a snapshot into the registry and returns the resulting task.
// When the stored snapshot is newer (an optimistic action write racing an
// in-flight poll that started earlier), the stored status and progress win.
// Fields the engine cannot know (source kind, name) survive empty updates.
func (s *Store) Upsert(t domain.Task) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.GID]
	if ok {
		if cur.LastSeenAt.After(t.LastSeenAt) {
			return cur
		}
		if t.Source == "" {
			t.Source = cur.Source
		}
		if t.Name == "" || t.Name == t.GID {
			if cur.Name != "" {
				t.Name = cur.Name
			}
		}
		if t.Dir == "" {
			t.Dir = cur.Dir
		}
	}
	s.tasks[t.GID] = t
	return t
}

// SetStatus optimistically overwrites only the status, stamping the write so
// older poll data cannot clobber it. It reports whether the task exists.
func (s *Store) SetStatus(gid string, status domain.Status, at time.Time) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[gid]
	if !ok {
		return domain.Task{}, false
	}
	t.Status = status
	t.LastSeenAt = at
	if status == domain.StatusActive {
		// Speeds from the paused snapshot are stale either way.
		t.DownloadSpeed = 0
		t.UploadSpeed = 0
	}
	s.tasks[gid] = t
	return t, true
}

func (s *Store) Get(gid string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[gid]
	return t, ok
}

// Remove deletes the task and its miss counter. The binding is released
// separately, after the final notification went out.
func (s *Store) Remove(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, gid)
	delete(s.misses, gid)
}

func (s *Store) All() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Bind points the task at a fresh message. Any previous binding for the GID
// is replaced: at most one live binding per task.
func (s *Store) Bind(gid string, chatID int64, messageID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[gid] = domain.Binding{
		GID:       gid,
		ChatID:    chatID,
		MessageID: messageID,
	}
}

func (s *Store) BindingFor(gid string) (domain.Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[gid]
	return b, ok
}

func (s *Store) DropBinding(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, gid)
}

// MarkEdited records a successful send. Failed sends never reach here, so
// RenderedHash always reflects exactly what the chat is showing.
func (s *Store) MarkEdited(gid, hash string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[gid]
	if !ok {
		return
	}
	b.RenderedHash = hash
	b.LastEditAt = at
	s.bindings[gid] = b
}

// MarkMissed bumps the consecutive-miss counter for a known task absent from
// a poll and returns the new count.
func (s *Store) MarkMissed(gid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[gid]; !ok {
		return 0
	}
	s.misses[gid]++
	return s.misses[gid]
}

// ResetMisses clears the counter once the task shows up again.
func (s *Store) ResetMisses(gid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.misses, gid)
}
