package features

import (
	"fmt"
	"sync/atomic"
)

// Codec maps categorical feature values (protocol, user id, asset id) to
// numeric indices. A codec is immutable once built: retraining produces a new
// codec that is swapped in atomically, so in-flight extractions always see a
// consistent mapping. Unseen values encode to 0.
type Codec struct {
	version int
	tables  map[string]map[string]float64
}

// NewCodec builds an immutable codec from per-field vocabularies. Index 0 is
// reserved for unseen values, so known values start at 1.
func NewCodec(version int, vocab map[string][]string) *Codec {
	tables := make(map[string]map[string]float64, len(vocab))
	for field, values := range vocab {
		table := make(map[string]float64, len(values))
		for i, v := range values {
			table[v] = float64(i + 1)
		}
		tables[field] = table
	}
	return &Codec{version: version, tables: tables}
}

// Encode returns the numeric index for a categorical value. Unknown fields
// and unseen values encode to 0.
func (c *Codec) Encode(field, value string) float64 {
	table, ok := c.tables[field]
	if !ok {
		return 0
	}
	return table[value]
}

// Version identifies the training generation this codec came from.
func (c *Codec) Version() int {
	return c.version
}

// CodecHolder publishes the current codec to extractor goroutines. Swap
// replaces it wholesale; readers never observe a partial update.
type CodecHolder struct {
	current atomic.Pointer[Codec]
}

// NewCodecHolder seeds the holder with an initial codec.
func NewCodecHolder(initial *Codec) (*CodecHolder, error) {
	if initial == nil {
		return nil, fmt.Errorf("initial codec must not be nil")
	}
	h := &CodecHolder{}
	h.current.Store(initial)
	return h, nil
}

// Load returns the current codec.
func (h *CodecHolder) Load() *Codec {
	return h.current.Load()
}

// Swap installs a new codec. Older codecs stay valid for extractions already
// holding them.
func (h *CodecHolder) Swap(next *Codec) {
	if next == nil {
		return
	}
	h.current.Store(next)
}

// DefaultCodec returns the built-in vocabulary used until a trained codec is
// loaded: common protocols only, identities left to the unseen bucket.
func DefaultCodec() *Codec {
	return NewCodec(0, map[string][]string{
		"protocol": {"tcp", "udp", "icmp", "http", "https", "dns", "ssh"},
	})
}
