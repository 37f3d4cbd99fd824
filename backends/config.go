package backends

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/mixtex/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fallbacks matching the MixTeX decoder (3 layers, 12 heads, 768 hidden).
const (
	DefaultNumLayers  = 3
	DefaultNumHeads   = 12
	DefaultHiddenSize = 768
	DefaultMaxLength  = 512
)

// DecoderConfig describes the autoregressive half of a vision encoder-decoder model.
// MaxLength is the generation ceiling and the default step budget of a pipeline.
type DecoderConfig struct {
	EosTokenIDs         map[int64]bool
	DecoderStartTokenID int64
	BosTokenID          int64
	HasDecoderStart     bool
	HasBos              bool
	NumLayers           int
	NumHeads            int
	HiddenSize          int
	HeadDim             int
	VocabSize           int
	MaxLength           int
}

// ImageConfig describes the pixel preprocessing the encoder was trained with.
type ImageConfig struct {
	Width         int
	Height        int
	DoResize      bool
	DoRescale     bool
	RescaleFactor float32
	DoNormalize   bool
	Mean          [3]float32
	Std           [3]float32
}

type rawDecoderSection struct {
	VocabSize           int    `json:"vocab_size"`
	DecoderStartTokenID *int64 `json:"decoder_start_token_id"`
	EOSTokenID          any    `json:"eos_token_id"`
	BOSTokenID          *int64 `json:"bos_token_id"`
	MaxLength           int    `json:"max_length"`

	// GPT-2 style
	NLayer int `json:"n_layer"`
	NHead  int `json:"n_head"`
	NEmbd  int `json:"n_embd"`
	// BERT / RoBERTa style
	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`
	HiddenSize        int `json:"hidden_size"`
	// BART / MBart style
	DecoderLayers         int `json:"decoder_layers"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	DModel                int `json:"d_model"`
}

type rawModelConfig struct {
	rawDecoderSection
	Decoder *rawDecoderSection `json:"decoder"`
	Encoder *struct {
		ImageSize int `json:"image_size"`
	} `json:"encoder"`
}

type rawPreprocessorConfig struct {
	DoResize      *bool     `json:"do_resize"`
	DoRescale     *bool     `json:"do_rescale"`
	DoNormalize   *bool     `json:"do_normalize"`
	RescaleFactor float32   `json:"rescale_factor"`
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	Size          any       `json:"size"`
}

// FirstNonZero returns the first non-zero value.
func FirstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// LoadDecoderConfig reads config.json from modelPath. Top level decoder fields of
// VisionEncoderDecoder exports are overridden by the nested "decoder" section.
func LoadDecoderConfig(modelPath string) (*DecoderConfig, error) {
	configPath := fileutil.PathJoinSafe(modelPath, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("config.json not found at %s", modelPath)
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return nil, err
	}
	return ParseDecoderConfig(configBytes)
}

func ParseDecoderConfig(configBytes []byte) (*DecoderConfig, error) {
	var raw rawModelConfig
	if err := json.Unmarshal(configBytes, &raw); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	top := raw.rawDecoderSection
	dec := top
	if raw.Decoder != nil {
		dec = *raw.Decoder
	}

	config := &DecoderConfig{
		EosTokenIDs: map[int64]bool{},
		NumLayers:   FirstNonZero(dec.NLayer, dec.NumHiddenLayers, dec.DecoderLayers, DefaultNumLayers),
		NumHeads:    FirstNonZero(dec.NHead, dec.NumAttentionHeads, dec.DecoderAttentionHeads, DefaultNumHeads),
		HiddenSize:  FirstNonZero(dec.NEmbd, dec.HiddenSize, dec.DModel, DefaultHiddenSize),
		VocabSize:   FirstNonZero(dec.VocabSize, top.VocabSize),
		MaxLength:   FirstNonZero(top.MaxLength, dec.MaxLength, DefaultMaxLength),
	}
	if config.HiddenSize%config.NumHeads != 0 {
		return nil, fmt.Errorf("hidden size %d is not divisible by %d heads", config.HiddenSize, config.NumHeads)
	}
	config.HeadDim = config.HiddenSize / config.NumHeads

	// the top level of an encoder-decoder export carries the generation ids
	for _, section := range []rawDecoderSection{dec, top} {
		if section.DecoderStartTokenID != nil && !config.HasDecoderStart {
			config.DecoderStartTokenID = *section.DecoderStartTokenID
			config.HasDecoderStart = true
		}
		if section.BOSTokenID != nil && !config.HasBos {
			config.BosTokenID = *section.BOSTokenID
			config.HasBos = true
		}
		if len(config.EosTokenIDs) == 0 && section.EOSTokenID != nil {
			if err := parseEosTokenIDs(section.EOSTokenID, config.EosTokenIDs); err != nil {
				return nil, err
			}
		}
	}
	return config, nil
}

func parseEosTokenIDs(eosRaw any, into map[int64]bool) error {
	switch v := eosRaw.(type) {
	case []any:
		for i, item := range v {
			num, ok := item.(float64)
			if !ok {
				return fmt.Errorf("eos_token_id contains non-numeric value at index %d", i)
			}
			into[int64(num)] = true
		}
	case float64:
		into[int64(v)] = true
	default:
		return errors.New("eos_token_id must be either a number or an array of numbers")
	}
	return nil
}

// LoadImageConfig reads preprocessor_config.json from modelPath. A missing file yields
// the defaults for an encoder input of width x height: resize to it, rescale by 1/255
// and normalize with mean and std 0.5. With do_resize false the size is ignored and the
// canvas is fed as is.
func LoadImageConfig(modelPath string, width, height int) (*ImageConfig, error) {
	config := &ImageConfig{
		Width:         width,
		Height:        height,
		DoResize:      true,
		DoRescale:     true,
		RescaleFactor: 1.0 / 255.0,
		DoNormalize:   true,
		Mean:          [3]float32{0.5, 0.5, 0.5},
		Std:           [3]float32{0.5, 0.5, 0.5},
	}
	configPath := fileutil.PathJoinSafe(modelPath, "preprocessor_config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return config, nil
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return nil, err
	}
	return config, mergePreprocessorConfig(config, configBytes)
}

func mergePreprocessorConfig(config *ImageConfig, configBytes []byte) error {
	var raw rawPreprocessorConfig
	if err := json.Unmarshal(configBytes, &raw); err != nil {
		return fmt.Errorf("parsing preprocessor_config.json: %w", err)
	}
	if raw.DoResize != nil {
		config.DoResize = *raw.DoResize
	}
	if raw.DoRescale != nil {
		config.DoRescale = *raw.DoRescale
	}
	if raw.RescaleFactor != 0 {
		config.RescaleFactor = raw.RescaleFactor
	}
	if raw.DoNormalize != nil {
		config.DoNormalize = *raw.DoNormalize
	}
	if len(raw.ImageMean) == 3 {
		copy(config.Mean[:], raw.ImageMean)
	}
	if len(raw.ImageStd) == 3 {
		copy(config.Std[:], raw.ImageStd)
	}
	for i, s := range config.Std {
		if s == 0 {
			return fmt.Errorf("image_std[%d] is zero", i)
		}
	}
	if w, h := extractImageSize(raw.Size); w > 0 && h > 0 && config.DoResize {
		config.Width, config.Height = w, h
	}
	return nil
}

// extractImageSize handles the size encodings found in preprocessor configs:
// N, [h, w], {"height": h, "width": w} and {"shortest_edge": N}.
func extractImageSize(v any) (int, int) {
	switch val := v.(type) {
	case float64:
		return int(val), int(val)
	case []any:
		if len(val) == 2 {
			h, hOk := val[0].(float64)
			w, wOk := val[1].(float64)
			if hOk && wOk {
				return int(w), int(h)
			}
		}
	case map[string]any:
		h, hOk := val["height"].(float64)
		w, wOk := val["width"].(float64)
		if hOk && wOk {
			return int(w), int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se), int(se)
		}
	}
	return 0, 0
}
