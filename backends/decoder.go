package backends

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// DecoderStepInput is everything a single incremental decoding step consumes.
type DecoderStepInput struct {
	EncoderHiddenStates *Tensor
	Cache               *KVCache
	TokenID             int64
	UseCacheBranch      bool
}

// DecoderStepOutput holds the logits for the new position and the grown cache, one
// entry per layer.
type DecoderStepOutput struct {
	Logits  *Tensor
	Present []LayerCache
}

// decoderBindings maps decoder graph inputs and outputs to their positions.
type decoderBindings struct {
	inputIDs            int
	encoderHiddenStates int
	useCacheBranch      int
	pastKey             []int
	pastValue           []int
	logits              int
	presentKey          []int
	presentValue        []int
}

var (
	pastPattern    = regexp.MustCompile(`^past_key_values\.(\d+)\.(?:decoder\.)?(key|value)$`)
	presentPattern = regexp.MustCompile(`^present\.(\d+)\.(?:decoder\.)?(key|value)$`)
)

// CountCacheLayers returns the number of decoder layers with a past key input.
func CountCacheLayers(inputs []InputOutputInfo) int {
	n := 0
	for _, meta := range inputs {
		if m := pastPattern.FindStringSubmatch(meta.Name); m != nil && m[2] == "key" {
			n++
		}
	}
	return n
}

func bindDecoder(model *Model, numLayers int) (*decoderBindings, error) {
	b := &decoderBindings{
		inputIDs:            -1,
		encoderHiddenStates: -1,
		useCacheBranch:      -1,
		logits:              -1,
		pastKey:             filled(numLayers, -1),
		pastValue:           filled(numLayers, -1),
		presentKey:          filled(numLayers, -1),
		presentValue:        filled(numLayers, -1),
	}
	for i, meta := range model.InputsMeta {
		switch meta.Name {
		case "input_ids", "decoder_input_ids":
			b.inputIDs = i
		case "encoder_hidden_states", "encoder_outputs":
			b.encoderHiddenStates = i
		case "use_cache_branch":
			b.useCacheBranch = i
		default:
			layer, kind, ok := matchLayer(pastPattern, meta.Name, numLayers)
			if !ok {
				return nil, fmt.Errorf("decoder input %q not recognized", meta.Name)
			}
			if kind == "key" {
				b.pastKey[layer] = i
			} else {
				b.pastValue[layer] = i
			}
		}
	}
	for i, meta := range model.OutputsMeta {
		if meta.Name == "logits" {
			b.logits = i
			continue
		}
		if layer, kind, ok := matchLayer(presentPattern, meta.Name, numLayers); ok {
			if kind == "key" {
				b.presentKey[layer] = i
			} else {
				b.presentValue[layer] = i
			}
		}
	}

	if b.inputIDs < 0 || b.encoderHiddenStates < 0 {
		return nil, fmt.Errorf("decoder %s needs input_ids and encoder_hidden_states inputs", model.OnnxFilename)
	}
	if b.logits < 0 {
		return nil, fmt.Errorf("decoder %s has no logits output", model.OnnxFilename)
	}
	for layer := range numLayers {
		if b.pastKey[layer] < 0 || b.pastValue[layer] < 0 || b.presentKey[layer] < 0 || b.presentValue[layer] < 0 {
			return nil, fmt.Errorf("decoder %s is missing cache bindings for layer %d", model.OnnxFilename, layer)
		}
	}
	return b, nil
}

func matchLayer(pattern *regexp.Regexp, name string, numLayers int) (int, string, bool) {
	m := pattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	layer, err := strconv.Atoi(m[1])
	if err != nil || layer >= numLayers {
		return 0, "", false
	}
	return layer, m[2], true
}

func filled(n, v int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// DecoderRunner executes single decoding steps against a merged decoder graph.
type DecoderRunner struct {
	Model     *Model
	Config    *DecoderConfig
	bindings  *decoderBindings
	timings   *timings
	vocabSize int
}

// NewDecoderRunner validates that model exposes one past and present key/value pair per
// configured layer and prepares the bindings used for every step.
func NewDecoderRunner(model *Model, config *DecoderConfig) (*DecoderRunner, error) {
	if found := CountCacheLayers(model.InputsMeta); found != config.NumLayers {
		return nil, fmt.Errorf("decoder %s has cache inputs for %d layers, config declares %d",
			model.OnnxFilename, found, config.NumLayers)
	}
	bindings, err := bindDecoder(model, config.NumLayers)
	if err != nil {
		return nil, err
	}
	vocabSize := config.VocabSize
	if dims := model.OutputsMeta[bindings.logits].Dimensions; len(dims) == 3 && dims[2] > 0 {
		vocabSize = int(dims[2])
	}
	return &DecoderRunner{
		Model:     model,
		Config:    config,
		bindings:  bindings,
		timings:   &timings{},
		vocabSize: vocabSize,
	}, nil
}

// RunStep feeds one token through the decoder. The context is not consulted mid-run;
// a step always completes once started.
func (d *DecoderRunner) RunStep(_ context.Context, in DecoderStepInput) (*DecoderStepOutput, error) {
	if in.Cache == nil || in.EncoderHiddenStates == nil {
		return nil, fmt.Errorf("decoder step needs encoder hidden states and a cache")
	}
	if in.Cache.NumLayers() != d.Config.NumLayers {
		return nil, fmt.Errorf("%w: cache has %d layers, decoder has %d", ErrCacheShape, in.Cache.NumLayers(), d.Config.NumLayers)
	}
	defer d.timings.track()()
	switch d.Model.Runtime {
	case "ORT":
		return runDecoderStepORT(d, in)
	case "GO":
		return runDecoderStepGo(d, in)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", d.Model.Runtime)
	}
}

func (d *DecoderRunner) Timings() (calls uint64, totalNS uint64) {
	return d.timings.snapshot()
}

// EncoderRunner executes the vision encoder.
type EncoderRunner struct {
	Model   *Model
	timings *timings
}

func NewEncoderRunner(model *Model) (*EncoderRunner, error) {
	if len(model.InputsMeta) != 1 {
		return nil, fmt.Errorf("encoder %s must have exactly one input, found %v", model.OnnxFilename, GetNames(model.InputsMeta))
	}
	if len(model.OutputsMeta) == 0 {
		return nil, fmt.Errorf("encoder %s has no outputs", model.OnnxFilename)
	}
	return &EncoderRunner{Model: model, timings: &timings{}}, nil
}

// Encode runs one forward pass over pixel values shaped [batch, channels, height, width]
// and returns the first output, the encoder hidden states.
func (e *EncoderRunner) Encode(_ context.Context, pixels *Tensor) (*Tensor, error) {
	if pixels == nil || len(pixels.Shape) != 4 {
		return nil, fmt.Errorf("pixel values must have shape [batch, channels, height, width]")
	}
	defer e.timings.track()()
	switch e.Model.Runtime {
	case "ORT":
		return runEncoderORT(e.Model, pixels)
	case "GO":
		return runEncoderGo(e.Model, pixels)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", e.Model.Runtime)
	}
}

func (e *EncoderRunner) Timings() (calls uint64, totalNS uint64) {
	return e.timings.snapshot()
}
