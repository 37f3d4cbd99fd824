//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/mixtex/options"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, options *options.Options) error {
	sessionOptions, ok := options.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options are not initialised")
	}

	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func destroyValues(values []ort.Value) error {
	var agg error
	for _, v := range values {
		if v != nil {
			agg = errors.Join(agg, v.Destroy())
		}
	}
	return agg
}

func runEncoderORT(model *Model, pixels *Tensor) (*Tensor, error) {
	pixelTensor, err := ort.NewTensor(ort.NewShape(pixels.Shape...), pixels.Data)
	if err != nil {
		return nil, fmt.Errorf("creating pixel_values tensor: %w", err)
	}
	defer pixelTensor.Destroy()

	outputs := make([]ort.Value, len(model.OutputsMeta))
	if err = model.ORTModel.Session.Run([]ort.Value{pixelTensor}, outputs); err != nil {
		return nil, errors.Join(fmt.Errorf("running encoder: %w", err), destroyValues(outputs))
	}
	defer destroyValues(outputs)

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("encoder output %s is %T, expected float32 tensor", model.OutputsMeta[0].Name, outputs[0])
	}
	data := hidden.GetData()
	return NewTensor(Shape(hidden.GetShape()), append([]float32(nil), data...))
}

// kvTensorORT wraps a cache entry. Empty entries still need a backing element since
// the cgo layer takes the address of the first value.
func kvTensorORT(t KVTensor) (*ort.Tensor[float32], error) {
	data := t.Data
	if len(data) == 0 {
		data = make([]float32, 1)
	}
	return ort.NewTensor(ort.NewShape(t.Shape[:]...), data)
}

func runDecoderStepORT(d *DecoderRunner, in DecoderStepInput) (*DecoderStepOutput, error) {
	b := d.bindings
	model := d.Model
	cache := in.Cache
	batchSize := int64(cache.BatchSize)

	inputs := make([]ort.Value, len(model.InputsMeta))
	defer destroyValues(inputs)

	inputIDs, err := ort.NewTensor(ort.NewShape(batchSize, 1), []int64{in.TokenID})
	if err != nil {
		return nil, fmt.Errorf("creating decoder input tensor: %w", err)
	}
	inputs[b.inputIDs] = inputIDs

	hidden, err := ort.NewTensor(ort.NewShape(in.EncoderHiddenStates.Shape...), in.EncoderHiddenStates.Data)
	if err != nil {
		return nil, fmt.Errorf("creating encoder_hidden_states tensor: %w", err)
	}
	inputs[b.encoderHiddenStates] = hidden

	if b.useCacheBranch >= 0 {
		flag := []byte{0}
		if in.UseCacheBranch {
			flag[0] = 1
		}
		useCache, flagErr := ort.NewCustomDataTensor(ort.NewShape(1), flag, ort.TensorElementDataTypeBool)
		if flagErr != nil {
			return nil, fmt.Errorf("creating use_cache_branch tensor: %w", flagErr)
		}
		inputs[b.useCacheBranch] = useCache
	}

	for layer, entry := range cache.Layers() {
		key, keyErr := kvTensorORT(entry.Key)
		if keyErr != nil {
			return nil, fmt.Errorf("creating past key tensor %d: %w", layer, keyErr)
		}
		inputs[b.pastKey[layer]] = key
		value, valueErr := kvTensorORT(entry.Value)
		if valueErr != nil {
			return nil, fmt.Errorf("creating past value tensor %d: %w", layer, valueErr)
		}
		inputs[b.pastValue[layer]] = value
	}

	// outputs we can size up front are preallocated, the rest are allocated by the runtime
	outputs := make([]ort.Value, len(model.OutputsMeta))
	defer destroyValues(outputs)
	if d.vocabSize > 0 {
		logits, logitsErr := ort.NewEmptyTensor[float32](ort.NewShape(batchSize, 1, int64(d.vocabSize)))
		if logitsErr != nil {
			return nil, fmt.Errorf("creating logits tensor: %w", logitsErr)
		}
		outputs[b.logits] = logits
	}
	presentShape := ort.NewShape(batchSize, int64(cache.NumHeads), int64(cache.SeqLen()+1), int64(cache.HeadDim))
	for layer := range cache.NumLayers() {
		for _, idx := range []int{b.presentKey[layer], b.presentValue[layer]} {
			present, presentErr := ort.NewEmptyTensor[float32](presentShape)
			if presentErr != nil {
				return nil, fmt.Errorf("creating present tensor %d: %w", layer, presentErr)
			}
			outputs[idx] = present
		}
	}

	if err = model.ORTModel.Session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}

	logitsValue, ok := outputs[b.logits].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("decoder logits are %T, expected float32 tensor", outputs[b.logits])
	}
	logits, err := NewTensor(Shape(logitsValue.GetShape()), append([]float32(nil), logitsValue.GetData()...))
	if err != nil {
		return nil, err
	}

	result := &DecoderStepOutput{Logits: logits, Present: make([]LayerCache, cache.NumLayers())}
	for layer := range cache.NumLayers() {
		key, keyErr := copyKVORT(outputs[b.presentKey[layer]])
		if keyErr != nil {
			return nil, fmt.Errorf("present key %d: %w", layer, keyErr)
		}
		value, valueErr := copyKVORT(outputs[b.presentValue[layer]])
		if valueErr != nil {
			return nil, fmt.Errorf("present value %d: %w", layer, valueErr)
		}
		result.Present[layer] = LayerCache{Key: key, Value: value}
	}
	return result, nil
}

func copyKVORT(v ort.Value) (KVTensor, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return KVTensor{}, fmt.Errorf("got %T, expected float32 tensor", v)
	}
	shape := t.GetShape()
	if len(shape) != 4 {
		return KVTensor{}, fmt.Errorf("%w: rank %d", ErrCacheShape, len(shape))
	}
	kv := KVTensor{Data: append([]float32(nil), t.GetData()...)}
	copy(kv.Shape[:], shape)
	return kv, nil
}
