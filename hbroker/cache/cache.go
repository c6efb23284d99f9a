// Package cache implements the bounded, TTL-based read-through lookup cache.
// It is a disposable accelerator in front of the crosswalk store and never
// the system of record; it may be purged at any time without correctness
// impact.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/radrouter/hbroker-app/hbroker/models"
)

const defaultMaxEntries = 10000

type brokerCache struct {
	lru *expirable.LRU[string, string]
	ttl time.Duration
	max int
}

// LookupCache holds one bounded LRU per broker. Entries expire after the
// broker's configured TTL and are evicted least-recently-used once the
// broker's max size is reached.
type LookupCache struct {
	mu      sync.Mutex
	brokers map[string]*brokerCache
}

func New() *LookupCache {
	return &LookupCache{brokers: make(map[string]*brokerCache)}
}

func entryKey(idType models.IDType, idIn string) string {
	return fmt.Sprintf("%s|%s", idType, idIn)
}

// forBroker returns the broker's LRU, creating or recreating it when the
// broker's cache policy changed since the last call.
func (c *LookupCache) forBroker(broker *models.Broker) *expirable.LRU[string, string] {
	ttl := time.Duration(broker.CacheTTLSeconds) * time.Second
	max := broker.CacheMaxEntries
	if max <= 0 {
		max = defaultMaxEntries
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bc, ok := c.brokers[broker.Name]
	if !ok || bc.ttl != ttl || bc.max != max {
		bc = &brokerCache{
			lru: expirable.NewLRU[string, string](max, nil, ttl),
			ttl: ttl,
			max: max,
		}
		c.brokers[broker.Name] = bc
	}
	return bc.lru
}

// Get returns the cached idOut for the key, if present and unexpired.
// Disabled caches never hit.
func (c *LookupCache) Get(broker *models.Broker, idType models.IDType, idIn string) (string, bool) {
	if !broker.CacheEnabled {
		return "", false
	}
	return c.forBroker(broker).Get(entryKey(idType, idIn))
}

// Put records a resolved mapping. No-op when the broker's cache is disabled.
func (c *LookupCache) Put(broker *models.Broker, idType models.IDType, idIn, idOut string) {
	if !broker.CacheEnabled {
		return
	}
	c.forBroker(broker).Add(entryKey(idType, idIn), idOut)
}

// Purge drops everything cached for the named broker. Called on broker
// update and delete.
func (c *LookupCache) Purge(brokerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bc, ok := c.brokers[brokerName]; ok {
		bc.lru.Purge()
		delete(c.brokers, brokerName)
	}
}

// Len reports the number of live entries for the named broker.
func (c *LookupCache) Len(brokerName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bc, ok := c.brokers[brokerName]; ok {
		return bc.lru.Len()
	}
	return 0
}
