// Package subjects keeps a local, incrementally refreshed copy of the subject catalogue.
package subjects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/wanikani-keeper/internal/api"
	"github.com/and161185/wanikani-keeper/internal/limiter"
	"github.com/and161185/wanikani-keeper/internal/model"
)

// DefaultFreshnessWindow is how long a completed refresh is trusted.
const DefaultFreshnessWindow = 6 * time.Hour

const refreshKey = "refresh"

// Pager yields the pages of subjects changed after a point in time; *api.Client implements it.
type Pager interface {
	SubjectPages(ctx context.Context, updatedAfter *time.Time) iter.Seq2[*api.Response[[]model.Subject], error]
}

// Cache maps subject ids to subjects, backed by a JSON file.
type Cache struct {
	path   string
	window time.Duration
	now    func() time.Time
	log    *zap.Logger

	mu           sync.RWMutex
	subjects     map[int]model.Subject
	lastModified time.Time // zero until a refresh completed or a file was loaded

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithFreshnessWindow overrides DefaultFreshnessWindow.
func WithFreshnessWindow(d time.Duration) Option { return func(c *Cache) { c.window = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// Open loads the cache file at path. A missing or malformed file yields an
// empty cache that has never been refreshed.
func Open(path string, log *zap.Logger, opts ...Option) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{
		path:     path,
		window:   DefaultFreshnessWindow,
		now:      time.Now,
		log:      log,
		subjects: map[int]model.Subject{},
	}
	for _, o := range opts {
		o(c)
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subject cache: %w", err)
	}
	loaded := map[int]model.Subject{}
	if err := json.Unmarshal(b, &loaded); err != nil {
		log.Warn("subject cache unreadable, starting empty", zap.String("path", path), zap.Error(err))
		return c, nil
	}
	c.subjects = loaded
	if st, err := os.Stat(path); err == nil && st.ModTime().Unix() > 0 {
		c.lastModified = st.ModTime()
	}
	log.Debug("subject cache loaded", zap.Int("subjects", len(loaded)), zap.Time("last_modified", c.lastModified))
	return c, nil
}

// Get looks up a subject. It never touches the network.
func (c *Cache) Get(id int) (model.Subject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.subjects[id]
	return s, ok
}

// Len is the number of cached subjects.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subjects)
}

// LastModified is the start time of the last completed refresh, if any.
func (c *Cache) LastModified() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastModified, !c.lastModified.IsZero()
}

func (c *Cache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastModified.IsZero() && c.now().Sub(c.lastModified) < c.window
}

// Update refreshes the cache unless it is fresh. Concurrent callers share one
// refresh. Cancelling ctx stops the wait, not the refresh.
func (c *Cache) Update(ctx context.Context, pager Pager) error {
	if c.fresh() {
		c.log.Debug("subject cache fresh, skipping refresh")
		return nil
	}
	walkCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if c.fresh() {
			return nil, nil
		}
		return nil, c.refresh(walkCtx, pager)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (c *Cache) refresh(ctx context.Context, pager Pager) error {
	walk := uuid.Must(uuid.NewV4()).String()
	log := c.log.With(zap.String("walk", walk))

	c.mu.RLock()
	var since *time.Time
	if !c.lastModified.IsZero() {
		t := c.lastModified
		since = &t
	}
	c.mu.RUnlock()

	start := c.now()
	log.Info("subject refresh started", zap.Timep("updated_after", since))
	pages, merged := 0, 0
	for resp, err := range pager.SubjectPages(ctx, since) {
		if err != nil {
			if limiter.IsPassive(err) {
				break
			}
			log.Warn("subject refresh aborted",
				zap.Int("pages", pages),
				zap.String("category", limiter.Classify(err).String()),
				zap.Error(err),
			)
			return err
		}
		c.merge(resp.Data)
		pages++
		merged += len(resp.Data)
	}

	// stamp the walk start so subjects changed mid-walk match the next updated_after
	c.mu.Lock()
	c.lastModified = start
	c.mu.Unlock()
	log.Info("subject refresh done",
		zap.Int("pages", pages),
		zap.Int("subjects", merged),
		zap.Duration("dur", c.now().Sub(start)),
	)
	return nil
}

// merge applies a page; a later write for the same id replaces the earlier one.
func (c *Cache) merge(page []model.Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range page {
		c.subjects[s.ID] = s
	}
}

// Save writes the whole map atomically and stamps the file with the refresh
// time, so a reload sees the same staleness.
func (c *Cache) Save() error {
	c.mu.RLock()
	b, err := json.Marshal(c.subjects)
	stamp := c.lastModified
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode subject cache: %w", err)
	}
	if stamp.IsZero() {
		stamp = time.Unix(0, 0)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save subject cache: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save subject cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save subject cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save subject cache: %w", err)
	}
	if err := os.Chtimes(tmp.Name(), stamp, stamp); err != nil {
		return fmt.Errorf("save subject cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("save subject cache: %w", err)
	}
	return nil
}
