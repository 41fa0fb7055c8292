package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/materio/pkg/types"
)

// queryCache is a read-through cache for search responses. Entries are
// immutable snapshots, evicted LRU and bounded by a TTL so new
// ingestions become visible without explicit invalidation.
type queryCache struct {
	entries *lru.Cache[string, cachedResponse]
	ttl     time.Duration
}

type cachedResponse struct {
	response *QueryResponse
	storedAt time.Time
}

func newQueryCache(size int, ttl time.Duration) (*queryCache, error) {
	entries, err := lru.New[string, cachedResponse](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &queryCache{entries: entries, ttl: ttl}, nil
}

func (c *queryCache) get(key string) (*QueryResponse, bool) {
	cached, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(cached.storedAt) > c.ttl {
		c.entries.Remove(key)
		return nil, false
	}
	return cached.response, true
}

func (c *queryCache) put(key string, response *QueryResponse) {
	c.entries.Add(key, cachedResponse{response: response, storedAt: time.Now()})
}

// cacheKey hashes the normalized request identity. Image bytes enter
// via their digest so two uploads of the same image share an entry.
func cacheKey(req *QueryRequest, query *types.SearchQuery) string {
	h := sha256.New()

	if len(req.Image) > 0 {
		sum := sha256.Sum256(req.Image)
		h.Write(sum[:])
	}
	h.Write([]byte{0})
	h.Write([]byte(req.Text))
	h.Write([]byte{0})
	h.Write([]byte(query.Filter.MaterialType))
	h.Write([]byte{0})
	h.Write([]byte(query.Filter.FinishType))
	h.Write([]byte{0})
	h.Write([]byte(query.Filter.SurfaceTexture))
	h.Write([]byte{0})
	h.Write([]byte(query.Filter.PatternGrain))
	h.Write([]byte{0})
	writeFloat(h, query.Filter.MinConfidence)
	writeFloat(h, query.WeightVisual)
	writeFloat(h, query.WeightSemantic)
	writeFloat(h, query.Threshold)
	h.Write([]byte(query.Mode))
	h.Write([]byte{0})
	binary.Write(h, binary.LittleEndian, int64(query.Limit))

	return hex.EncodeToString(h.Sum(nil))
}

func writeFloat(w io.Writer, f float64) {
	binary.Write(w, binary.LittleEndian, f)
}
