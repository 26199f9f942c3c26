package care

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"equinecore/pkg/domain"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of subjects whose aggregates are retained.
const DefaultCacheSize = 1024

type fingerprint struct {
	interactions int
	assignments  int
	limit        int
	sum          uint64
}

type cached struct {
	fp  fingerprint
	agg domain.CareAggregate
}

// Cache is a read-through cache of care aggregates keyed by subject id. An
// entry is reused only while the normalized record content and the record
// limit are unchanged; any added, removed or edited record invalidates it.
type Cache struct {
	agg    *Aggregator
	lru    *lru.Cache[string, cached]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache constructs a cache holding up to size subjects.
func NewCache(agg *Aggregator, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, err := lru.New[string, cached](size)
	if err != nil {
		return nil, fmt.Errorf("care cache: %w", err)
	}
	return &Cache{agg: agg, lru: l}, nil
}

// Aggregate returns the cached aggregate for subjectID when the records still
// match its fingerprint, otherwise it recomputes and stores the result.
func (c *Cache) Aggregate(subjectID string, interactions []domain.InteractionRecord, assignments []domain.AssignmentRecord) domain.CareAggregate {
	fp := c.fingerprint(interactions, assignments)
	if hit, ok := c.lru.Get(subjectID); ok && hit.fp == fp {
		c.hits.Add(1)
		return hit.agg
	}
	c.misses.Add(1)
	agg := c.agg.Aggregate(interactions, assignments)
	c.lru.Add(subjectID, cached{fp: fp, agg: agg})
	return agg
}

// Invalidate drops a subject's cached aggregate.
func (c *Cache) Invalidate(subjectID string) { c.lru.Remove(subjectID) }

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) { return c.hits.Load(), c.misses.Load() }

func (c *Cache) fingerprint(interactions []domain.InteractionRecord, assignments []domain.AssignmentRecord) fingerprint {
	h := recordHasher{d: xxhash.New()}
	for _, r := range normalizeInteractions(interactions) {
		h.putString(r.taskType)
		h.putString(r.caregiver)
		h.putUint(uint64(r.at.UnixNano()))
		h.putUint(uint64(r.duration))
		h.putUint(math.Float64bits(r.delta))
	}
	for _, a := range normalizeAssignments(assignments) {
		h.putString(a.caregiver)
		h.putUint(uint64(a.start.UnixNano()))
		if a.active {
			h.putUint(1)
		} else {
			h.putUint(0)
		}
	}
	return fingerprint{
		interactions: len(interactions),
		assignments:  len(assignments),
		limit:        c.agg.Limit(),
		sum:          h.d.Sum64(),
	}
}

// recordHasher feeds length-prefixed fields so adjacent strings cannot merge.
type recordHasher struct {
	d   *xxhash.Digest
	buf [8]byte
}

func (h *recordHasher) putUint(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[:], v)
	_, _ = h.d.Write(h.buf[:])
}

func (h *recordHasher) putString(s string) {
	h.putUint(uint64(len(s)))
	_, _ = h.d.WriteString(s)
}
