package momo

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// tokenSkew is subtracted from a token's lifetime so it is never presented
// right as it expires.
const tokenSkew = 30 * time.Second

// defaultTokenTTL applies when a token response carries no lifetime.
const defaultTokenTTL = time.Hour

type token struct {
	accessToken string
	expiresAt   time.Time
}

func (t token) valid(now time.Time) bool {
	return t.accessToken != "" && now.Add(tokenSkew).Before(t.expiresAt)
}

// tokenCache keeps one token per provider product. Entries also age out of
// the LRU after an hour, the longest lifetime either operator issues.
type tokenCache struct {
	lru   *expirable.LRU[string, token]
	group singleflight.Group
	now   func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{
		lru: expirable.NewLRU[string, token](16, nil, time.Hour),
		now: time.Now,
	}
}

func (c *tokenCache) get(ctx context.Context, key string, fetch func(context.Context) (token, error)) (string, error) {
	if tok, ok := c.lru.Get(key); ok && tok.valid(c.now()) {
		return tok.accessToken, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if tok, ok := c.lru.Get(key); ok && tok.valid(c.now()) {
			return tok, nil
		}
		// The fetch is shared, so one caller's cancellation must not fail the rest.
		tok, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return token{}, err
		}
		c.lru.Add(key, tok)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(token).accessToken, nil
}

func (c *tokenCache) invalidate(key string) {
	c.lru.Remove(key)
}
