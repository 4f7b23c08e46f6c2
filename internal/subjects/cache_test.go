package subjects

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/wanikani-keeper/internal/api"
	"github.com/and161185/wanikani-keeper/internal/api/apitest"
	"github.com/and161185/wanikani-keeper/internal/limiter"
	"github.com/and161185/wanikani-keeper/internal/model"
	"github.com/and161185/wanikani-keeper/internal/transport"
)

/************ fake pager ************/

type fakePager struct {
	pages   [][]model.Subject
	failAt  int // page index that fails; -1 never
	failErr error
	gate    chan struct{}
	onPage  func(i int)

	calls atomic.Int32
	mu    sync.Mutex
	since []*time.Time
}

func newFakePager(pages ...[]model.Subject) *fakePager {
	return &fakePager{pages: pages, failAt: -1}
}

func (p *fakePager) SubjectPages(_ context.Context, updatedAfter *time.Time) iter.Seq2[*api.Response[[]model.Subject], error] {
	p.calls.Add(1)
	p.mu.Lock()
	p.since = append(p.since, updatedAfter)
	p.mu.Unlock()
	return func(yield func(*api.Response[[]model.Subject], error) bool) {
		if p.gate != nil {
			<-p.gate
		}
		for i, page := range p.pages {
			if i == p.failAt {
				yield(nil, p.failErr)
				return
			}
			if p.onPage != nil {
				p.onPage(i)
			}
			if !yield(&api.Response[[]model.Subject]{Data: page}, nil) {
				return
			}
		}
	}
}

func subject(id int, slug string) model.Subject {
	s := apitest.Radical(id, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Radical.Slug = slug
	return s
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openEmpty(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "subjects.json"), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return c
}

func TestOpen_MissingFileIsEmptyAndStale(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	require.Zero(t, c.Len())
	_, ok := c.LastModified()
	require.False(t, ok)
}

func TestUpdate_StaleWalksAllPagesAndStampsCompletion(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := openEmpty(t, WithClock(clk.Now))
	pager := newFakePager(
		[]model.Subject{subject(1, "a"), subject(2, "b")},
		[]model.Subject{subject(3, "c")},
	)

	require.NoError(t, c.Update(context.Background(), pager))
	require.Equal(t, 3, c.Len())
	lm, ok := c.LastModified()
	require.True(t, ok)
	require.Equal(t, clk.Now(), lm)
	require.Nil(t, pager.since[0], "first refresh is unfiltered")

	clk.Advance(7 * time.Hour)
	require.NoError(t, c.Update(context.Background(), pager))
	require.EqualValues(t, 2, pager.calls.Load())
	require.NotNil(t, pager.since[1])
	require.Equal(t, lm, *pager.since[1], "incremental refresh filters by the previous completion")
}

func TestUpdate_StampsWalkStartNotCompletion(t *testing.T) {
	t.Parallel()
	begin := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{t: begin}
	c := openEmpty(t, WithClock(clk.Now))
	pager := newFakePager(
		[]model.Subject{subject(1, "a")},
		[]model.Subject{subject(2, "b")},
	)
	pager.onPage = func(int) { clk.Advance(10 * time.Minute) }

	require.NoError(t, c.Update(context.Background(), pager))
	lm, ok := c.LastModified()
	require.True(t, ok)
	require.Equal(t, begin, lm)
	require.True(t, clk.Now().After(lm))
}

func TestUpdate_FreshCacheMakesNoRequests(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := openEmpty(t, WithClock(clk.Now))
	pager := newFakePager([]model.Subject{subject(1, "a")})

	require.NoError(t, c.Update(context.Background(), pager))
	clk.Advance(5*time.Hour + 59*time.Minute)
	require.NoError(t, c.Update(context.Background(), pager))
	require.EqualValues(t, 1, pager.calls.Load())
}

func TestGet_NeverCallsNetwork(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	pager := newFakePager([]model.Subject{subject(9, "nine")})

	_, ok := c.Get(9)
	require.False(t, ok)
	require.Zero(t, pager.calls.Load())

	require.NoError(t, c.Update(context.Background(), pager))
	s, ok := c.Get(9)
	require.True(t, ok)
	require.Equal(t, "nine", s.Common().Slug)
	require.EqualValues(t, 1, pager.calls.Load())
}

func TestMerge_IdempotentAndLastWriteWins(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	page := []model.Subject{subject(1, "a"), subject(2, "b")}

	c.merge(page)
	c.merge(page)
	require.Equal(t, 2, c.Len())

	c.merge([]model.Subject{subject(2, "b2"), subject(3, "c")})
	s, _ := c.Get(2)
	require.Equal(t, "b2", s.Common().Slug)
	require.Equal(t, 3, c.Len())
}

func TestMerge_DisjointPagesCommute(t *testing.T) {
	t.Parallel()
	p1 := []model.Subject{subject(1, "a"), subject(2, "b")}
	p2 := []model.Subject{subject(3, "c")}

	ab, ba := openEmpty(t), openEmpty(t)
	ab.merge(p1)
	ab.merge(p2)
	ba.merge(p2)
	ba.merge(p1)
	require.Equal(t, ab.subjects, ba.subjects)
}

func TestUpdate_ErrorKeepsMergedPagesButNotTimestamp(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	pager := newFakePager(
		[]model.Subject{subject(1, "a")},
		[]model.Subject{subject(2, "b")},
	)
	pager.failAt = 1
	pager.failErr = limiter.Tag(&transport.Error{Op: "send", Err: errors.New("reset by peer")})

	err := c.Update(context.Background(), pager)
	require.Error(t, err)
	require.Equal(t, limiter.Retryable, limiter.Classify(err))
	require.Equal(t, 1, c.Len())
	_, ok := c.LastModified()
	require.False(t, ok)
}

type notModified struct{}

func (notModified) Error() string   { return "304" }
func (notModified) HTTPStatus() int { return http.StatusNotModified }

func TestUpdate_PassiveEndsWalkSuccessfully(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	pager := newFakePager([]model.Subject{subject(1, "a")}, nil)
	pager.failAt = 1
	pager.failErr = limiter.Tag(notModified{})

	require.NoError(t, c.Update(context.Background(), pager))
	_, ok := c.LastModified()
	require.True(t, ok)
}

func TestUpdate_ConcurrentCallersShareOneWalk(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	pager := newFakePager([]model.Subject{subject(1, "a")})
	pager.gate = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	errsCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- c.Update(context.Background(), pager)
		}()
	}
	require.Eventually(t, func() bool { return pager.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(pager.gate)
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, pager.calls.Load())
}

func TestUpdate_AbandonedCallerDoesNotCancelWalk(t *testing.T) {
	t.Parallel()
	c := openEmpty(t)
	pager := newFakePager([]model.Subject{subject(1, "a")})
	pager.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Update(ctx, pager) }()
	require.Eventually(t, func() bool { return pager.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(pager.gate)
	require.Eventually(t, func() bool {
		_, ok := c.LastModified()
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, c.Len())
}

func TestSaveOpen_RoundtripKeepsStaleness(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "subjects.json")
	refreshed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, err := Open(path, nil, WithClock(func() time.Time { return refreshed }))
	require.NoError(t, err)
	require.NoError(t, c.Update(context.Background(), newFakePager([]model.Subject{subject(1, "a"), subject(2, "b")})))
	require.NoError(t, c.Save())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, st.ModTime().Equal(refreshed))

	later := refreshed.Add(time.Hour)
	reloaded, err := Open(path, zaptest.NewLogger(t), WithClock(func() time.Time { return later }))
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())
	lm, ok := reloaded.LastModified()
	require.True(t, ok)
	require.True(t, lm.Equal(refreshed))
	s, ok := reloaded.Get(2)
	require.True(t, ok)
	require.Equal(t, model.KindRadical, s.Kind)

	pager := newFakePager()
	require.NoError(t, reloaded.Update(context.Background(), pager))
	require.Zero(t, pager.calls.Load(), "reloaded cache is still fresh")
}

func TestSave_NeverRefreshedIsStampedEpoch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "subjects.json")
	c, err := Open(path, nil)
	require.NoError(t, err)
	c.merge([]model.Subject{subject(1, "a")})
	require.NoError(t, c.Save())

	reloaded, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	_, ok := reloaded.LastModified()
	require.False(t, ok)
}

func TestOpen_MalformedFileStartsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "subjects.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1": {"object": "mystery"}}`), 0o644))

	c, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Zero(t, c.Len())
	_, ok := c.LastModified()
	require.False(t, ok)
}

func TestUpdate_AgainstAPI_TwoPagesOf150(t *testing.T) {
	t.Parallel()
	fake := apitest.NewServer(t)
	fake.AddUser("tok", "kani")
	fake.SetPerPage(100)
	var all []model.Subject
	for id := 1; id <= 150; id++ {
		all = append(all, apitest.Radical(id, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	}
	fake.SetSubjects(all...)

	log := zaptest.NewLogger(t)
	client, err := api.NewClient(fake.BaseURL(), transport.New(nil, log), log)
	require.NoError(t, err)
	client.SetToken("tok")

	c := openEmpty(t)
	start := time.Now()
	require.NoError(t, c.Update(context.Background(), client))

	require.Equal(t, 150, c.Len())
	require.Equal(t, 2, fake.CallsTo("/v2/subjects"))
	lm, ok := c.LastModified()
	require.True(t, ok)
	require.False(t, lm.Before(start))
}

func TestUpdate_AgainstAPI_RateLimitMidWalkReplaysPage(t *testing.T) {
	t.Parallel()
	fake := apitest.NewServer(t)
	fake.AddUser("tok", "kani")
	fake.SetPerPage(100)
	var all []model.Subject
	for id := 1; id <= 150; id++ {
		all = append(all, apitest.Radical(id, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	}
	fake.SetSubjects(all...)

	var limited atomic.Bool
	fake.Intercept(func(r *http.Request) int {
		if r.URL.Query().Get("page_after_id") != "" && limited.CompareAndSwap(false, true) {
			return http.StatusTooManyRequests
		}
		return 0
	})

	var mu sync.Mutex
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}
	log := zaptest.NewLogger(t)
	policy := limiter.NewPolicy(log, limiter.WithClock(time.Now, sleep))
	client, err := api.NewClient(fake.BaseURL(), transport.New(nil, log), log, api.WithPolicy(policy))
	require.NoError(t, err)
	client.SetToken("tok")

	c := openEmpty(t)
	require.NoError(t, c.Update(context.Background(), client))

	require.Equal(t, 150, c.Len())
	require.Equal(t, 3, fake.CallsTo("/v2/subjects"))
	require.Len(t, slept, 1)
	_, ok := c.LastModified()
	require.True(t, ok)

	calls := fake.Calls()
	require.Equal(t, calls[len(calls)-2].Query.Get("page_after_id"), calls[len(calls)-1].Query.Get("page_after_id"),
		"the limited page is replayed unchanged")
}
