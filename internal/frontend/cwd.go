package frontend

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Warrelis/nak/internal/proto"
)

// CwdCacheOptions tunes the per-remote cwd snapshots shown in the prompt.
type CwdCacheOptions struct {
	// TTL controls how long a snapshot is served without re-asking the
	// backend. Prompts redraw far more often than directories change;
	// default 2s.
	TTL time.Duration
}

func (o *CwdCacheOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 2 * time.Second
	}
}

type cwdEntry struct {
	dir     string
	expires time.Time
}

// CwdCache derives each remote's working directory by running the
// GetDirectory built-in and gathering its stdout. Snapshots are TTL-cached
// and concurrent refreshes of the same remote are collapsed.
type CwdCache struct {
	log    *zap.Logger
	client *Client

	mu      sync.RWMutex
	entries map[proto.RemoteId]cwdEntry

	opts CwdCacheOptions
	now  func() time.Time

	sg singleflight.Group
}

func newCwdCache(log *zap.Logger, client *Client, opts CwdCacheOptions) *CwdCache {
	opts.setDefaults()
	return &CwdCache{
		log:     log.Named("cwd"),
		client:  client,
		entries: make(map[proto.RemoteId]cwdEntry),
		opts:    opts,
		now:     time.Now,
	}
}

// Get returns the remote's working directory, refreshing the snapshot when
// it has expired.
func (c *CwdCache) Get(remote proto.RemoteId) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[remote]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.dir, nil
	}

	v, err, _ := c.sg.Do(strconv.FormatUint(uint64(remote), 10), func() (any, error) {
		dir, err := c.refresh(remote)
		if err != nil {
			// Serve stale on refresh error when we have anything at all.
			if ok {
				c.log.Warn("cwd refresh failed, serving stale", zap.Error(err))
				return entry.dir, nil
			}
			return "", err
		}
		c.mu.Lock()
		c.entries[remote] = cwdEntry{dir: dir, expires: c.now().Add(c.opts.TTL)}
		c.mu.Unlock()
		return dir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops a remote's snapshot; called after a directory change.
func (c *CwdCache) Invalidate(remote proto.RemoteId) {
	c.mu.Lock()
	delete(c.entries, remote)
	c.mu.Unlock()
}

func (c *CwdCache) refresh(remote proto.RemoteId) (string, error) {
	id, cp, err := c.client.runOn(remote, proto.GetDirectory(), nil, true)
	if err != nil {
		return "", err
	}
	err = c.client.WaitUntil(func() bool {
		if _, done := c.client.Session.ProcessDone(id); !done {
			return false
		}
		return c.client.Session.GatheredReady(cp.Stdout.Generic())
	})
	if err != nil {
		return "", err
	}
	out, _ := c.client.Session.TakeGathered(cp.Stdout.Generic())
	dir := strings.TrimRight(string(out), "\n")
	if dir == "" {
		return "", fmt.Errorf("frontend: remote %d reported no working directory", remote)
	}
	return dir, nil
}
