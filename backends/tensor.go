package backends

import (
	"errors"
	"fmt"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NumElements is the flattened size, or -1 when any dimension is dynamic.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Tensor is a dense row-major float32 tensor detached from any runtime.
type Tensor struct {
	Shape Shape
	Data  []float32
}

func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	n := shape.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("tensor shape %s has dynamic dimensions", shape)
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("tensor shape %s needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// ArgmaxLastPosition returns the highest scoring id at the final sequence position of the
// first batch entry of a [batch, seq, vocab] logits tensor. Ties go to the lowest id.
func ArgmaxLastPosition(logits *Tensor) (int64, error) {
	if logits == nil || len(logits.Shape) != 3 {
		return 0, errors.New("logits must have shape [batch, seq, vocab]")
	}
	seqLen, vocabSize := int(logits.Shape[1]), int(logits.Shape[2])
	if seqLen < 1 || vocabSize < 1 || len(logits.Data) < seqLen*vocabSize {
		return 0, fmt.Errorf("logits shape %s does not match %d values", logits.Shape, len(logits.Data))
	}
	offset := (seqLen - 1) * vocabSize
	maxIdx := 0
	maxVal := logits.Data[offset]
	for v := 1; v < vocabSize; v++ {
		if logits.Data[offset+v] > maxVal {
			maxVal = logits.Data[offset+v]
			maxIdx = v
		}
	}
	return int64(maxIdx), nil
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}
