package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GoModel runs a graph with the pure Go gonnx interpreter.
type GoModel struct {
	Model *gonnx.Model
}

func createGoModelBackend(model *Model) error {
	goModel, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	model.GoModel = &GoModel{Model: goModel}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func float32TensorGo(shape []int64, data []float32) tensor.Tensor {
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(dims...), tensor.WithBacking(data))
}

func float32FromGo(t tensor.Tensor) (*Tensor, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("got %T, expected float32 data", t.Data())
	}
	dims := t.Shape()
	shape := make(Shape, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	return NewTensor(shape, append([]float32(nil), data...))
}

func runEncoderGo(model *Model, pixels *Tensor) (*Tensor, error) {
	inputs := map[string]tensor.Tensor{
		model.InputsMeta[0].Name: float32TensorGo(pixels.Shape, pixels.Data),
	}
	outputs, err := model.GoModel.Model.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}
	hidden, ok := outputs[model.OutputsMeta[0].Name]
	if !ok {
		return nil, fmt.Errorf("encoder output %s missing", model.OutputsMeta[0].Name)
	}
	return float32FromGo(hidden)
}

func runDecoderStepGo(d *DecoderRunner, in DecoderStepInput) (*DecoderStepOutput, error) {
	b := d.bindings
	model := d.Model
	cache := in.Cache
	names := GetNames(model.InputsMeta)

	inputs := map[string]tensor.Tensor{
		names[b.inputIDs]: tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(cache.BatchSize, 1),
			tensor.WithBacking([]int64{in.TokenID}),
		),
		names[b.encoderHiddenStates]: float32TensorGo(in.EncoderHiddenStates.Shape, in.EncoderHiddenStates.Data),
	}
	if b.useCacheBranch >= 0 {
		inputs[names[b.useCacheBranch]] = tensor.New(
			tensor.Of(tensor.Bool),
			tensor.WithShape(1),
			tensor.WithBacking([]bool{in.UseCacheBranch}),
		)
	}
	for layer, entry := range cache.Layers() {
		inputs[names[b.pastKey[layer]]] = float32TensorGo(entry.Key.Shape[:], entry.Key.Data)
		inputs[names[b.pastValue[layer]]] = float32TensorGo(entry.Value.Shape[:], entry.Value.Data)
	}

	outputs, err := model.GoModel.Model.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running decoder: %w", err)
	}

	output := func(idx int) (tensor.Tensor, error) {
		name := model.OutputsMeta[idx].Name
		t, ok := outputs[name]
		if !ok {
			return nil, fmt.Errorf("decoder output %s missing", name)
		}
		return t, nil
	}

	logitsGo, err := output(b.logits)
	if err != nil {
		return nil, err
	}
	logits, err := float32FromGo(logitsGo)
	if err != nil {
		return nil, fmt.Errorf("decoder logits: %w", err)
	}

	result := &DecoderStepOutput{Logits: logits, Present: make([]LayerCache, cache.NumLayers())}
	for layer := range cache.NumLayers() {
		var entry LayerCache
		for _, target := range []struct {
			idx int
			kv  *KVTensor
		}{{b.presentKey[layer], &entry.Key}, {b.presentValue[layer], &entry.Value}} {
			t, outErr := output(target.idx)
			if outErr != nil {
				return nil, outErr
			}
			converted, convErr := float32FromGo(t)
			if convErr != nil {
				return nil, fmt.Errorf("present %d: %w", layer, convErr)
			}
			if len(converted.Shape) != 4 {
				return nil, fmt.Errorf("%w: present %d has rank %d", ErrCacheShape, layer, len(converted.Shape))
			}
			copy(target.kv.Shape[:], converted.Shape)
			target.kv.Data = converted.Data
		}
		result.Present[layer] = entry
	}
	return result, nil
}
