// Package cache holds the in-memory mirror of bridge resources and the
// derived name index. The cache is written only by the sync/ingest paths;
// request handlers read snapshots.
package cache

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Resource is a mirrored bridge resource. Payload is the full raw document
// as received; Version is a local revision counter bumped on every change.
type Resource struct {
	RID      string
	RType    string
	Name     string // display name, "" when absent
	NameNorm string // normalized name, "" when absent
	Version  int64
	Payload  json.RawMessage
}

// Candidate is a name-index row handed to the resolver.
type Candidate struct {
	RID      string
	Name     string
	NameNorm string
}

// Cache is the authoritative in-memory resource mirror. Updates replace the
// whole entry for an id under the write lock, so readers never observe a
// torn mix of old and new fields.
type Cache struct {
	mu        sync.RWMutex
	byRID     map[string]*Resource
	nameIndex map[string]map[string]map[string]struct{} // rtype -> nameNorm -> set of rids
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		byRID:     make(map[string]*Resource),
		nameIndex: make(map[string]map[string]map[string]struct{}),
	}
}

// NormalizeName case-folds, trims, and collapses internal whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(name))), " ")
}

// Upsert stores a resource, replacing any previous entry for the id.
// Returns the entry's version and whether the stored content changed.
// An upsert with an identical payload, name, and type is a no-op: the
// version is not bumped and callers must not emit a change notification.
func (c *Cache) Upsert(rid, rtype, name string, payload json.RawMessage) (version int64, changed bool) {
	nameNorm := NormalizeName(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.byRID[rid]
	if prev != nil && prev.RType == rtype && prev.Name == name && bytes.Equal(prev.Payload, payload) {
		return prev.Version, false
	}

	version = 1
	if prev != nil {
		version = prev.Version + 1
		c.unindexLocked(prev)
	}

	res := &Resource{
		RID:      rid,
		RType:    rtype,
		Name:     name,
		NameNorm: nameNorm,
		Version:  version,
		Payload:  payload,
	}
	c.byRID[rid] = res
	c.indexLocked(res)
	return version, true
}

// Evict removes a resource. Returns true if it was present.
func (c *Cache) Evict(rid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.byRID[rid]
	if prev == nil {
		return false
	}
	c.unindexLocked(prev)
	delete(c.byRID, rid)
	return true
}

// Get returns a copy of the resource for rid.
func (c *Cache) Get(rid string) (Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := c.byRID[rid]
	if res == nil {
		return Resource{}, false
	}
	return *res, true
}

// ListByType returns copies of all resources of a type, ordered by rid.
func (c *Cache) ListByType(rtype string) []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Resource
	for _, res := range c.byRID {
		if res.RType == rtype {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RID < out[j].RID })
	return out
}

// IDsByType returns the set of cached ids for a type.
func (c *Cache) IDsByType(rtype string) map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make(map[string]struct{})
	for rid, res := range c.byRID {
		if res.RType == rtype {
			ids[rid] = struct{}{}
		}
	}
	return ids
}

// Candidates returns the name-index rows for a type, ordered by
// (normalized name, rid) so downstream scoring is deterministic.
func (c *Cache) Candidates(rtype string) []Candidate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byType := c.nameIndex[rtype]
	var out []Candidate
	for nameNorm, rids := range byType {
		for rid := range rids {
			res := c.byRID[rid]
			if res == nil {
				continue
			}
			out = append(out, Candidate{RID: rid, Name: res.Name, NameNorm: nameNorm})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NameNorm != out[j].NameNorm {
			return out[i].NameNorm < out[j].NameNorm
		}
		return out[i].RID < out[j].RID
	})
	return out
}

// Len returns the number of cached resources.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byRID)
}

func (c *Cache) indexLocked(res *Resource) {
	if res.NameNorm == "" {
		return
	}
	byType := c.nameIndex[res.RType]
	if byType == nil {
		byType = make(map[string]map[string]struct{})
		c.nameIndex[res.RType] = byType
	}
	rids := byType[res.NameNorm]
	if rids == nil {
		rids = make(map[string]struct{})
		byType[res.NameNorm] = rids
	}
	rids[res.RID] = struct{}{}
}

func (c *Cache) unindexLocked(res *Resource) {
	if res.NameNorm == "" {
		return
	}
	byType := c.nameIndex[res.RType]
	if byType == nil {
		return
	}
	rids := byType[res.NameNorm]
	if rids == nil {
		return
	}
	delete(rids, res.RID)
	if len(rids) == 0 {
		delete(byType, res.NameNorm)
	}
	if len(byType) == 0 {
		delete(c.nameIndex, res.RType)
	}
}
