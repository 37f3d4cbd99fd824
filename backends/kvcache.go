package backends

import (
	"errors"
	"fmt"
)

var ErrCacheShape = errors.New("kv cache shape mismatch")

// KVTensor is one key or value cache entry shaped [batch, heads, seqLen, headDim].
type KVTensor struct {
	Shape [4]int64
	Data  []float32
}

func (t KVTensor) SeqLen() int {
	return int(t.Shape[2])
}

// LayerCache is the key/value pair for a single decoder layer.
type LayerCache struct {
	Key   KVTensor
	Value KVTensor
}

// KVCache holds the attention cache of every decoder layer, indexed by layer number.
// It only ever grows one position per decoding step.
type KVCache struct {
	BatchSize int
	NumHeads  int
	HeadDim   int
	layers    []LayerCache
}

// NewKVCache returns an empty cache (sequence length 0) for numLayers layers.
func NewKVCache(numLayers, batchSize, numHeads, headDim int) (*KVCache, error) {
	if numLayers < 1 || batchSize < 1 || numHeads < 1 || headDim < 1 {
		return nil, fmt.Errorf("invalid kv cache dimensions: layers=%d batch=%d heads=%d headDim=%d",
			numLayers, batchSize, numHeads, headDim)
	}
	empty := [4]int64{int64(batchSize), int64(numHeads), 0, int64(headDim)}
	layers := make([]LayerCache, numLayers)
	for i := range layers {
		layers[i] = LayerCache{
			Key:   KVTensor{Shape: empty, Data: []float32{}},
			Value: KVTensor{Shape: empty, Data: []float32{}},
		}
	}
	return &KVCache{BatchSize: batchSize, NumHeads: numHeads, HeadDim: headDim, layers: layers}, nil
}

func (c *KVCache) NumLayers() int {
	return len(c.layers)
}

// SeqLen is the number of cached positions, shared by every layer.
func (c *KVCache) SeqLen() int {
	if len(c.layers) == 0 {
		return 0
	}
	return c.layers[0].Key.SeqLen()
}

func (c *KVCache) Layer(i int) (LayerCache, error) {
	if i < 0 || i >= len(c.layers) {
		return LayerCache{}, fmt.Errorf("layer %d out of range [0, %d)", i, len(c.layers))
	}
	return c.layers[i], nil
}

// Layers returns the per-layer entries in layer order.
func (c *KVCache) Layers() []LayerCache {
	return append([]LayerCache(nil), c.layers...)
}

// Advance replaces the cache with the present values returned by a decoding step. The
// replacement must cover every layer and be exactly one position longer.
func (c *KVCache) Advance(present []LayerCache) error {
	if len(present) != len(c.layers) {
		return fmt.Errorf("%w: got %d layers, want %d", ErrCacheShape, len(present), len(c.layers))
	}
	want := [4]int64{int64(c.BatchSize), int64(c.NumHeads), int64(c.SeqLen() + 1), int64(c.HeadDim)}
	for i, layer := range present {
		for _, kv := range []struct {
			name string
			t    KVTensor
		}{{"key", layer.Key}, {"value", layer.Value}} {
			if kv.t.Shape != want {
				return fmt.Errorf("%w: layer %d %s has shape %v, want %v", ErrCacheShape, i, kv.name, kv.t.Shape, want)
			}
			if int64(len(kv.t.Data)) != want[0]*want[1]*want[2]*want[3] {
				return fmt.Errorf("%w: layer %d %s has %d values", ErrCacheShape, i, kv.name, len(kv.t.Data))
			}
		}
	}
	c.layers = append(c.layers[:0:0], present...)
	return nil
}
