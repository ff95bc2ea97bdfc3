// Package cache provides the fast key/value layer shared by the
// coordination components: write-through state caching, context-package
// caching, and an in-process pub/sub channel for coordination events.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound indicates the key is absent or its entry has expired.
var ErrNotFound = errors.New("cache: key not found")

// entry wraps a cached value with its per-key expiry. The LRU's own TTL acts
// as an upper bound and garbage collector; per-key TTLs are checked on read.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is an in-process TTL cache with JSON helpers and pub/sub channels.
type Cache struct {
	lru *expirable.LRU[string, entry]
	ttl time.Duration

	mu          sync.RWMutex
	subscribers map[string][]chan []byte
}

// New creates a Cache holding at most size entries with the given default TTL.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		lru:         expirable.NewLRU[string, entry](size, nil, ttl),
		ttl:         ttl,
		subscribers: make(map[string][]chan []byte),
	}
}

// Set stores raw bytes under key. A zero ttl uses the cache default.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.lru.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Get returns the bytes stored under key.
func (c *Cache) Get(key string) ([]byte, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, ErrNotFound
	}
	return e.value, nil
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.lru.Remove(key)
}

// SetJSON marshals v and stores it under key.
func (c *Cache) SetJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	c.Set(key, data, ttl)
	return nil
}

// GetJSON unmarshals the value stored under key into out.
func (c *Cache) GetJSON(key string, out any) error {
	data, err := c.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Publish delivers message to every subscriber of channel. Delivery is
// non-blocking: a subscriber whose buffer is full misses the message rather
// than stalling the publisher.
func (c *Cache) Publish(channel string, message []byte) {
	c.mu.RLock()
	subs := c.subscribers[channel]
	c.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- message:
		default:
			// Subscriber is slow, drop rather than block.
		}
	}
}

// Subscribe registers callback for messages on channel.
// The returned function cancels the subscription.
func (c *Cache) Subscribe(channel string, callback func(message []byte)) func() {
	ch := make(chan []byte, 64)

	c.mu.Lock()
	c.subscribers[channel] = append(c.subscribers[channel], ch)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				callback(msg)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			c.mu.Lock()
			subs := c.subscribers[channel]
			for i, s := range subs {
				if s == ch {
					c.subscribers[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
		})
	}
}
