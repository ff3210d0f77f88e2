package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/store"
)

// fakeEngine serves canned task lists, one per cycle. onList, when set, runs
// while the call is "in flight", before the canned data is returned.
type fakeEngine struct {
	lists  [][]domain.Task
	errs   []error
	calls  int
	onList func()
}

func (f *fakeEngine) List(ctx context.Context) ([]domain.Task, error) {
	i := f.calls
	f.calls++
	if f.onList != nil {
		f.onList()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.lists) {
		return nil, nil
	}
	return f.lists[i], nil
}

func (f *fakeEngine) AddURIs(ctx context.Context, uris []string, dir string) ([]string, error) {
	return nil, nil
}
func (f *fakeEngine) AddTorrent(ctx context.Context, torrent []byte, dir string) (string, error) {
	return "", nil
}
func (f *fakeEngine) TellStatus(ctx context.Context, gid string) (domain.Task, error) {
	return domain.Task{}, nil
}
func (f *fakeEngine) Pause(ctx context.Context, gid string) error   { return nil }
func (f *fakeEngine) Resume(ctx context.Context, gid string) error  { return nil }
func (f *fakeEngine) Remove(ctx context.Context, gid string) error  { return nil }
func (f *fakeEngine) PurgeCompleted(ctx context.Context) error      { return nil }

func newTestPoller(eng *fakeEngine, st *store.Store, events chan domain.ChangeEvent) *Poller {
	p := New(eng, st, events, Config{
		Interval:      time.Second,
		MaxInterval:   30 * time.Second,
		MissThreshold: 2,
		ProgressDelta: 100,
	})
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tick := 0
	p.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return p
}

func drain(ch chan domain.ChangeEvent) []domain.ChangeEvent {
	var out []domain.ChangeEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func active(gid string, completed, total int64) domain.Task {
	return domain.Task{GID: gid, Status: domain.StatusActive, Name: gid + ".bin", CompletedBytes: completed, TotalBytes: total}
}

func TestCycleEmitsForNewAndChangedTasks(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 0, 1000)},
		{active("g1", 500, 1000)},
	}}
	p := newTestPoller(eng, st, events)

	require.NoError(t, p.cycle(context.Background()))
	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, "g1", evs[0].Task.GID)

	require.NoError(t, p.cycle(context.Background()))
	evs = drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(500), evs[0].Task.CompletedBytes)
}

func TestCycleIdempotentOnUnchangedData(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 500, 1000)},
		{active("g1", 500, 1000)},
	}}
	p := newTestPoller(eng, st, events)

	require.NoError(t, p.cycle(context.Background()))
	drain(events)

	require.NoError(t, p.cycle(context.Background()))
	assert.Empty(t, drain(events), "unchanged engine data must emit no events")
}

func TestCycleSuppressesTinyProgressDeltas(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 500, 1000)},
		{active("g1", 550, 1000)}, // below the 100-byte threshold
		{active("g1", 650, 1000)}, // at the threshold vs last committed
	}}
	p := newTestPoller(eng, st, events)

	require.NoError(t, p.cycle(context.Background()))
	drain(events)

	require.NoError(t, p.cycle(context.Background()))
	assert.Empty(t, drain(events))

	require.NoError(t, p.cycle(context.Background()))
	assert.Len(t, drain(events), 1)
}

func TestStatusChangeAlwaysEmits(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	done := active("g1", 1000, 1000)
	done.Status = domain.StatusComplete
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 1000, 1000)},
		{done},
	}}
	p := newTestPoller(eng, st, events)

	require.NoError(t, p.cycle(context.Background()))
	drain(events)

	require.NoError(t, p.cycle(context.Background()))
	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatusComplete, evs[0].Task.Status)
}

func TestRemovalGrace(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 500, 1000)},
		{}, // first miss: grace
		{}, // second miss: removal
		{}, // must not remove twice
	}}
	p := newTestPoller(eng, st, events)

	require.NoError(t, p.cycle(context.Background()))
	drain(events)

	require.NoError(t, p.cycle(context.Background()))
	assert.Empty(t, drain(events), "one miss must not finalize removal")
	_, ok := st.Get("g1")
	assert.True(t, ok)

	require.NoError(t, p.cycle(context.Background()))
	evs := drain(events)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Final)
	assert.Equal(t, domain.StatusRemoved, evs[0].Task.Status)
	_, ok = st.Get("g1")
	assert.False(t, ok)

	require.NoError(t, p.cycle(context.Background()))
	assert.Empty(t, drain(events), "removal must happen exactly once")
}

func TestReappearanceInsideGraceResetsMisses(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 500, 1000)},
		{},
		{active("g1", 500, 1000)},
		{},
	}}
	p := newTestPoller(eng, st, events)

	for i := 0; i < 4; i++ {
		require.NoError(t, p.cycle(context.Background()))
		drain(events)
	}
	// The single misses on either side of the reappearance never add up.
	_, ok := st.Get("g1")
	assert.True(t, ok)
}

func TestInFlightPollDoesNotClobberConfirmedAction(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{lists: [][]domain.Task{
		{active("g1", 500, 1000)},
		{active("g1", 500, 1000)}, // fetched before the pause landed
	}}
	p := New(eng, st, events, Config{
		Interval:      time.Second,
		MaxInterval:   30 * time.Second,
		MissThreshold: 2,
		ProgressDelta: 100,
	})
	cur := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return cur }

	require.NoError(t, p.cycle(context.Background()))
	drain(events)

	cur = cur.Add(time.Second)
	eng.onList = func() {
		// A pause is confirmed while the RPC is in flight; the RPC then
		// returns, still carrying pre-pause data.
		_, ok := st.SetStatus("g1", domain.StatusPaused, cur.Add(500*time.Millisecond))
		require.True(t, ok)
		cur = cur.Add(time.Second)
	}
	require.NoError(t, p.cycle(context.Background()))

	task, ok := st.Get("g1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPaused, task.Status,
		"stale poll data must not undo the confirmed action")
}

func TestFailedCycleCommitsNothing(t *testing.T) {
	st := store.New()
	events := make(chan domain.ChangeEvent, 16)
	eng := &fakeEngine{
		lists: [][]domain.Task{
			{active("g1", 500, 1000)},
			nil,
			{active("g1", 500, 1000)},
		},
		errs: []error{nil, errors.New("connection refused"), nil},
	}
	p := newTestPoller(eng, st, events)

	require.NoError(t, p.cycle(context.Background()))
	drain(events)

	require.Error(t, p.cycle(context.Background()))
	assert.Empty(t, drain(events))
	// The failed cycle is not a miss either.
	task, ok := st.Get("g1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, task.Status)

	require.NoError(t, p.cycle(context.Background()))
	_, ok = st.Get("g1")
	assert.True(t, ok)
}
