package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/engine"
	"example.com/aria2bot/internal/store"
)

type fakeEngine struct {
	pauses  []string
	resumes []string
	removes []string
	err     error
}

func (f *fakeEngine) Pause(ctx context.Context, gid string) error {
	f.pauses = append(f.pauses, gid)
	return f.err
}

func (f *fakeEngine) Resume(ctx context.Context, gid string) error {
	f.resumes = append(f.resumes, gid)
	return f.err
}

func (f *fakeEngine) Remove(ctx context.Context, gid string) error {
	f.removes = append(f.removes, gid)
	return f.err
}

func (f *fakeEngine) calls() int {
	return len(f.pauses) + len(f.resumes) + len(f.removes)
}

func (f *fakeEngine) AddURIs(ctx context.Context, uris []string, dir string) ([]string, error) {
	return nil, nil
}
func (f *fakeEngine) AddTorrent(ctx context.Context, torrent []byte, dir string) (string, error) {
	return "", nil
}
func (f *fakeEngine) List(ctx context.Context) ([]domain.Task, error) { return nil, nil }
func (f *fakeEngine) TellStatus(ctx context.Context, gid string) (domain.Task, error) {
	return domain.Task{}, nil
}
func (f *fakeEngine) PurgeCompleted(ctx context.Context) error { return nil }

type fakeResponder struct {
	answers []string
}

func (f *fakeResponder) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.answers = append(f.answers, text)
	return nil
}

const adminID = int64(7)

func newTestDispatcher(st *store.Store, eng *fakeEngine, rsp *fakeResponder) (*Dispatcher, chan domain.ChangeEvent) {
	events := make(chan domain.ChangeEvent, 16)
	d := New(st, eng, rsp, events, []int64{adminID})
	d.now = func() time.Time {
		return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	}
	return d, events
}

func pauseAction(gid string, userID int64) domain.PendingAction {
	return domain.PendingAction{
		Kind:       domain.ActionPause,
		GID:        gid,
		UserID:     userID,
		ChatID:     42,
		CallbackID: "cb1",
	}
}

func seed(st *store.Store, gid string, status domain.Status) {
	st.Upsert(domain.Task{GID: gid, Status: status, Name: gid + ".bin", LastSeenAt: time.Now()})
}

func TestHandleConfirmsAndUpdatesOptimistically(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{}
	rsp := &fakeResponder{}
	d, events := newTestDispatcher(st, eng, rsp)
	seed(st, "g1", domain.StatusActive)

	d.handle(context.Background(), pauseAction("g1", adminID))

	assert.Equal(t, []string{"g1"}, eng.pauses)
	task, ok := st.Get("g1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPaused, task.Status)

	// An immediate re-render, ahead of the next poll.
	select {
	case ev := <-events:
		assert.Equal(t, domain.StatusPaused, ev.Task.Status)
		assert.False(t, ev.Final)
	default:
		t.Fatal("expected a change event")
	}
	require.Len(t, rsp.answers, 1)
	assert.Equal(t, "Pause ok.", rsp.answers[0])
}

func TestHandleRejectsNonAdminWithoutEngineCall(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{}
	rsp := &fakeResponder{}
	d, events := newTestDispatcher(st, eng, rsp)
	seed(st, "g1", domain.StatusActive)

	d.handle(context.Background(), pauseAction("g1", 999))

	assert.Zero(t, eng.calls())
	assert.Empty(t, events)
	require.Len(t, rsp.answers, 1)
	assert.Equal(t, "Not authorized.", rsp.answers[0])
}

func TestHandleRejectsUnknownTask(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{}
	rsp := &fakeResponder{}
	d, _ := newTestDispatcher(st, eng, rsp)

	d.handle(context.Background(), pauseAction("ghost", adminID))

	assert.Zero(t, eng.calls())
	require.Len(t, rsp.answers, 1)
	assert.Equal(t, "Task ghost not found.", rsp.answers[0])
}

func TestHandleRejectsActionInvalidForStatus(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{}
	rsp := &fakeResponder{}
	d, _ := newTestDispatcher(st, eng, rsp)
	seed(st, "g1", domain.StatusComplete)

	a := pauseAction("g1", adminID)
	a.Kind = domain.ActionResume
	d.handle(context.Background(), a)

	assert.Zero(t, eng.calls(), "validation failures must never reach the engine")
	require.Len(t, rsp.answers, 1)
	assert.Equal(t, "Cannot resume a complete task.", rsp.answers[0])
}

func TestHandleFailureLeavesStoreUntouched(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{err: errors.New("connection refused")}
	rsp := &fakeResponder{}
	d, events := newTestDispatcher(st, eng, rsp)
	seed(st, "g1", domain.StatusActive)

	d.handle(context.Background(), pauseAction("g1", adminID))

	task, ok := st.Get("g1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, task.Status, "failed actions must not change state")
	assert.Empty(t, events)
	require.Len(t, rsp.answers, 1)
	assert.Contains(t, rsp.answers[0], "Pause failed")
}

func TestHandleFailureWhenEngineLostTheTask(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{err: &engine.CallError{Code: 1, Message: "Active Download not found for GID#g1"}}
	rsp := &fakeResponder{}
	d, _ := newTestDispatcher(st, eng, rsp)
	seed(st, "g1", domain.StatusActive)

	d.handle(context.Background(), pauseAction("g1", adminID))

	task, ok := st.Get("g1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, task.Status)
	require.Len(t, rsp.answers, 1)
	assert.Equal(t, "Pause failed: task is gone from the engine", rsp.answers[0])
}

func TestDoubleTapSecondActionRejected(t *testing.T) {
	st := store.New()
	eng := &fakeEngine{}
	rsp := &fakeResponder{}
	d, _ := newTestDispatcher(st, eng, rsp)
	seed(st, "g1", domain.StatusActive)

	d.handle(context.Background(), pauseAction("g1", adminID))
	d.handle(context.Background(), pauseAction("g1", adminID))

	// The first press flipped the stored status, so the second press fails
	// validation instead of hitting the engine twice.
	assert.Equal(t, []string{"g1"}, eng.pauses)
	require.Len(t, rsp.answers, 2)
	assert.Equal(t, "Pause ok.", rsp.answers[0])
	assert.Equal(t, "Cannot pause a paused task.", rsp.answers[1])
}

func TestRemoveAllowedFromAnyLiveStatus(t *testing.T) {
	for _, status := range []domain.Status{
		domain.StatusActive, domain.StatusWaiting, domain.StatusPaused,
		domain.StatusComplete, domain.StatusError,
	} {
		st := store.New()
		eng := &fakeEngine{}
		rsp := &fakeResponder{}
		d, _ := newTestDispatcher(st, eng, rsp)
		seed(st, "g1", status)

		a := pauseAction("g1", adminID)
		a.Kind = domain.ActionRemove
		d.handle(context.Background(), a)

		assert.Equal(t, []string{"g1"}, eng.removes, "status %s", status)
		task, ok := st.Get("g1")
		require.True(t, ok, "status %s", status)
		assert.Equal(t, domain.StatusRemoved, task.Status, "status %s", status)
	}
}
