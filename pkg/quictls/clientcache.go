/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"crypto/tls"

	lru "github.com/hashicorp/golang-lru/v2"
)

// clientSessionCache bounds the number of resumable sessions a client
// process holds, evicting least-recently-used server names.
type clientSessionCache struct {
	cache *lru.Cache[string, *tls.ClientSessionState]
}

const clientSessionCacheSize = 128

func newClientSessionCache() *clientSessionCache {
	c, err := lru.New[string, *tls.ClientSessionState](clientSessionCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &clientSessionCache{cache: c}
}

func (c *clientSessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return c.cache.Get(sessionKey)
}

func (c *clientSessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		c.cache.Remove(sessionKey)
		return
	}
	c.cache.Add(sessionKey, cs)
}
