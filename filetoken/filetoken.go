// Package filetoken hands out short lived tokens that let a browser fetch one user file
// with a plain GET (img src, links) where no bearer header can be sent.
package filetoken

import (
	"context"
	"crypto/subtle"
	"pdserver/logs"
	"pdserver/metrics"
	"pdserver/models"
	"pdserver/utils"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type entry struct {
	token   string
	expires time.Time
}

type Cache struct {
	tokens cmap.ConcurrentMap[string, entry]
	ttl    time.Duration
	// Backing is set when tokens must survive restarts or be redeemable on another replica
	Backing *models.FileTokenStore
	Now     func() time.Time
}

func New(ttl time.Duration, backing *models.FileTokenStore) *Cache {
	return &Cache{
		tokens:  cmap.New[entry](),
		ttl:     ttl,
		Backing: backing,
		Now:     time.Now,
	}
}

// Key is the cache key of a user file
func Key(app, owner, path string) string {
	return app + "/" + owner + "/" + utils.CleanPath(path)
}

// Issue returns the current token for path, minting a new one when there is none or it expired.
// With a Backing store, a token minted by another replica is reused
func (c *Cache) Issue(path string) (string, error) {
	now := c.Now()
	if e, ok := c.tokens.Get(path); ok && now.Before(e.expires) {
		return e.token, nil
	}
	if c.Backing != nil {
		if e, ok := c.load(path); ok && now.Before(e.expires) {
			c.tokens.Set(path, e)
			return e.token, nil
		}
	}
	minted := false
	e := c.tokens.Upsert(path, entry{}, func(exist bool, inMap, _ entry) entry {
		if exist && now.Before(inMap.expires) {
			return inMap
		}
		minted = true
		return entry{token: utils.RandToken(), expires: now.Add(c.ttl)}
	})
	if !minted {
		return e.token, nil
	}
	metrics.TokensMinted.WithLabelValues("file").Inc()
	metrics.FileTokensCached.Set(float64(c.tokens.Count()))
	if c.Backing != nil {
		if err := c.Backing.Put(path, e.token, e.expires.Unix()); err != nil {
			return "", err
		}
	}
	return e.token, nil
}

func (c *Cache) load(path string) (entry, bool) {
	t, expires, found, err := c.Backing.Get(path)
	if err != nil {
		logs.Error.Printf("filetoken: loading %s: %v", path, err)
		return entry{}, false
	}
	if !found {
		return entry{}, false
	}
	return entry{token: t, expires: time.Unix(expires, 0)}, true
}

func (c *Cache) matches(e entry, token string) bool {
	return c.Now().Before(e.expires) && subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1
}

// Validate is true only for the exact path with its current, unexpired token.
// A token that does not match memory is checked against the Backing store, which wins
func (c *Cache) Validate(path, token string) bool {
	if token == "" {
		return false
	}
	e, ok := c.tokens.Get(path)
	if ok && c.matches(e, token) {
		return true
	}
	if c.Backing == nil {
		return false
	}
	stored, found := c.load(path)
	if !found || (ok && stored.token == e.token) {
		return false
	}
	c.tokens.Set(path, stored)
	return c.matches(stored, token)
}

// EvictExpired drops expired tokens and returns how many were removed from memory
func (c *Cache) EvictExpired() int {
	now := c.Now()
	removed := 0
	for _, key := range c.tokens.Keys() {
		if c.tokens.RemoveCb(key, func(_ string, e entry, exists bool) bool {
			return exists && !now.Before(e.expires)
		}) {
			removed++
		}
	}
	metrics.FileTokensCached.Set(float64(c.tokens.Count()))
	if c.Backing != nil {
		if err := c.Backing.DeleteExpired(now.Unix()); err != nil {
			logs.Error.Printf("filetoken: deleting expired tokens: %v", err)
		}
	}
	return removed
}

func (c *Cache) Len() int {
	return c.tokens.Count()
}

// Run evicts expired tokens every interval until ctx is done
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.EvictExpired(); n > 0 {
				logs.Info.Printf("filetoken: evicted %d expired tokens", n)
			}
		}
	}
}
