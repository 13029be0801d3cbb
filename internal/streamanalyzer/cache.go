package streamanalyzer

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

const analysisCacheCapacity = 100

// analysisCache is a FIFO cache of completed analyses, compressed with
// zstd the same way the teacher's cache engine compresses cached object
// bodies (internal/cache/cache_engine_v2.go) before storing them in
// memory.
type analysisCache struct {
	mu      sync.Mutex
	order   []string
	entries map[string][]byte

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newAnalysisCache() (*analysisCache, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &analysisCache{
		entries: make(map[string][]byte),
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (c *analysisCache) put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed := c.encoder.EncodeAll([]byte(text), make([]byte, 0, len(text)))

	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= analysisCacheCapacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = compressed
}

func (c *analysisCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed, ok := c.entries[key]
	if !ok {
		return "", false
	}
	raw, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
