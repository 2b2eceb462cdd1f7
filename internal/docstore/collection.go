package docstore

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrConflict is returned by put when the stored revision differs from the
// expected one.
var ErrConflict = errors.New("revision conflict")

type document struct {
	Rev  uint64          `json:"rev"`
	Body json.RawMessage `json:"body"`
}

// collection is a keyed set of JSON documents. Each document write is atomic
// and guarded by a revision check; there are no multi-document transactions.
type collection struct {
	mu   sync.RWMutex
	docs map[string]document
}

func newCollection() *collection {
	return &collection{docs: make(map[string]document)}
}

func (c *collection) get(key string) ([]byte, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[key]
	if !ok {
		return nil, 0, false
	}
	return d.Body, d.Rev, true
}

// put stores body under key if the current revision equals rev. A rev of 0
// means the document must not exist yet.
func (c *collection) put(key string, body []byte, rev uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[key]
	if (ok && d.Rev != rev) || (!ok && rev != 0) {
		return 0, ErrConflict
	}
	next := rev + 1
	c.docs[key] = document{Rev: next, Body: body}
	return next, nil
}

// scan calls fn for every document in key order until fn returns false.
func (c *collection) scan(fn func(key string, body []byte) bool) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.docs))
	for k := range c.docs {
		keys = append(keys, k)
	}
	bodies := make(map[string][]byte, len(c.docs))
	for k, d := range c.docs {
		bodies[k] = d.Body
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, bodies[k]) {
			return
		}
	}
}

func (c *collection) snapshot() map[string]document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]document, len(c.docs))
	for k, d := range c.docs {
		out[k] = d
	}
	return out
}

func (c *collection) restore(docs map[string]document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]document, len(docs))
	for k, d := range docs {
		c.docs[k] = d
	}
}
