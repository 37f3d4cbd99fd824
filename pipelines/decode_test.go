package pipelines

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/mixtex/backends"
)

const (
	testLayers  = 3
	testHeads   = 2
	testHeadDim = 4
	testVocab   = 8
)

// scriptedRunner emits a fixed token sequence, repeating the last entry once the script
// runs out, and records what every step was fed.
type scriptedRunner struct {
	script       []int64
	failAt       int
	badCacheAt   int
	inputIDs     []int64
	seqLens      []int
	cacheBranch  []bool
	hiddenStates []*backends.Tensor
}

func (r *scriptedRunner) RunStep(_ context.Context, in backends.DecoderStepInput) (*backends.DecoderStepOutput, error) {
	step := len(r.inputIDs) + 1
	r.inputIDs = append(r.inputIDs, in.TokenID)
	r.seqLens = append(r.seqLens, in.Cache.SeqLen())
	r.cacheBranch = append(r.cacheBranch, in.UseCacheBranch)
	r.hiddenStates = append(r.hiddenStates, in.EncoderHiddenStates)
	if step == r.failAt {
		return nil, errors.New("session run failed")
	}

	id := r.script[min(step, len(r.script))-1]
	logits := make([]float32, testVocab)
	logits[id] = 1

	grow := 1
	if step == r.badCacheAt {
		grow = 2
	}
	seqLen := int64(in.Cache.SeqLen() + grow)
	shape := [4]int64{1, testHeads, seqLen, testHeadDim}
	present := make([]backends.LayerCache, in.Cache.NumLayers())
	for i := range present {
		present[i] = backends.LayerCache{
			Key:   backends.KVTensor{Shape: shape, Data: make([]float32, testHeads*int(seqLen)*testHeadDim)},
			Value: backends.KVTensor{Shape: shape, Data: make([]float32, testHeads*int(seqLen)*testHeadDim)},
		}
	}
	return &backends.DecoderStepOutput{
		Logits:  &backends.Tensor{Shape: backends.NewShape(1, 1, testVocab), Data: logits},
		Present: present,
	}, nil
}

type vocabDecoder map[int64]string

func (v vocabDecoder) DecodeToken(id int64) (string, error) {
	piece, ok := v[id]
	if !ok {
		return "", errors.New("unknown token")
	}
	return piece, nil
}

// <s>=0, x=1, ^=2, 2=3, </s>=4, \(=5, \)=6
var testTokens = vocabDecoder{0: "", 1: "x", 2: "^", 3: "2", 4: "", 5: `\(`, 6: `\)`}

func testDecodeOptions() DecodeOptions {
	return DecodeOptions{
		StartTokenID:    0,
		EosTokenIDs:     map[int64]bool{4: true},
		MaxSteps:        DefaultMaxSteps,
		RepeatThreshold: DefaultRepeatThreshold,
		NumLayers:       testLayers,
		NumHeads:        testHeads,
		HeadDim:         testHeadDim,
	}
}

func testEncoded() *backends.Tensor {
	return &backends.Tensor{Shape: backends.NewShape(1, 2, 4), Data: make([]float32, 8)}
}

func TestDecodeStopsAtEndToken(t *testing.T) {
	runner := &scriptedRunner{script: []int64{1, 2, 3, 4}}
	encoded := testEncoded()
	result, err := Decode(context.Background(), runner, testTokens, encoded, testDecodeOptions())
	require.NoError(t, err)

	assert.Equal(t, "x^2", result.Text)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, []int64{1, 2, 3, 4}, result.TokenIDs)

	// every step feeds the previous selection and a cache one position longer
	assert.Equal(t, []int64{0, 1, 2, 3}, runner.inputIDs)
	assert.Equal(t, []int{0, 1, 2, 3}, runner.seqLens)
	assert.Equal(t, []bool{true, true, true, true}, runner.cacheBranch)
	for _, hidden := range runner.hiddenStates {
		assert.Same(t, encoded, hidden)
	}
}

func TestDecodeTruncatesAtStepCeiling(t *testing.T) {
	runner := &scriptedRunner{script: []int64{1, 2, 3, 2, 1}}
	opts := testDecodeOptions()
	opts.MaxSteps = 3
	result, err := Decode(context.Background(), runner, testTokens, testEncoded(), opts)
	require.NoError(t, err)

	assert.Equal(t, StateTruncated, result.State)
	assert.Equal(t, "x^2", result.Text)
	assert.Equal(t, 3, result.Steps)
	assert.Len(t, runner.inputIDs, 3)
}

func TestDecodeStopsOnRepetition(t *testing.T) {
	runner := &scriptedRunner{script: []int64{1}}
	result, err := Decode(context.Background(), runner, testTokens, testEncoded(), testDecodeOptions())
	require.NoError(t, err)

	assert.Equal(t, StateRepeated, result.State)
	assert.Equal(t, DefaultRepeatThreshold, result.Steps)
	assert.Equal(t, strings.Repeat("x", DefaultRepeatThreshold), result.Text)
}

func TestDecodeChecksRepetitionBeforeEndToken(t *testing.T) {
	tokens := vocabDecoder{0: "", 1: "x", 2: "x"}
	runner := &scriptedRunner{script: []int64{2, 1}}
	opts := testDecodeOptions()
	opts.EosTokenIDs = map[int64]bool{1: true}
	opts.RepeatThreshold = 2
	result, err := Decode(context.Background(), runner, tokens, testEncoded(), opts)
	require.NoError(t, err)

	assert.Equal(t, StateRepeated, result.State)
	assert.Equal(t, "xx", result.Text)
}

func TestDecodeStepError(t *testing.T) {
	runner := &scriptedRunner{script: []int64{1, 2, 3, 4}, failAt: 2}
	result, err := Decode(context.Background(), runner, testTokens, testEncoded(), testDecodeOptions())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "decode step 2")
	assert.Len(t, runner.inputIDs, 2)
}

func TestDecodeRejectsCacheThatDoesNotGrowByOne(t *testing.T) {
	runner := &scriptedRunner{script: []int64{1, 2, 3, 4}, badCacheAt: 3}
	result, err := Decode(context.Background(), runner, testTokens, testEncoded(), testDecodeOptions())
	require.ErrorIs(t, err, backends.ErrCacheShape)
	assert.Nil(t, result)
}

func TestDecodeUnknownToken(t *testing.T) {
	runner := &scriptedRunner{script: []int64{7}}
	_, err := Decode(context.Background(), runner, testTokens, testEncoded(), testDecodeOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding token 7")
}

func TestDecodeStreamsPieces(t *testing.T) {
	var pieces []string
	opts := testDecodeOptions()
	opts.OnToken = func(piece string) {
		pieces = append(pieces, piece)
	}
	runner := &scriptedRunner{script: []int64{1, 2, 3, 4}}
	_, err := Decode(context.Background(), runner, testTokens, testEncoded(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "^", "2", ""}, pieces)
}

func TestDecodeValidatesOptions(t *testing.T) {
	runner := &scriptedRunner{script: []int64{4}}

	opts := testDecodeOptions()
	opts.MaxSteps = 0
	_, err := Decode(context.Background(), runner, testTokens, testEncoded(), opts)
	require.Error(t, err)

	opts = testDecodeOptions()
	opts.NumLayers = 0
	_, err = Decode(context.Background(), runner, testTokens, testEncoded(), opts)
	require.Error(t, err)
	assert.Empty(t, runner.inputIDs)
}

func TestNewDecoderState(t *testing.T) {
	state, err := NewDecoderState(testDecodeOptions())
	require.NoError(t, err)
	assert.Equal(t, StateStart, state.Phase)
	assert.True(t, state.UseCacheBranch)
	assert.Equal(t, int64(0), state.InputID)
	assert.Equal(t, testLayers, state.Cache.NumLayers())
	assert.Equal(t, 0, state.Cache.SeqLen())
	assert.Empty(t, state.Text())
}

func TestDecodeStateString(t *testing.T) {
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "REPEATED", StateRepeated.String())
	assert.Equal(t, "TRUNCATED", StateTruncated.String())
	assert.Equal(t, "DecodeState(42)", DecodeState(42).String())
	assert.False(t, StateStepping.Terminal())
	assert.True(t, StateTruncated.Terminal())
}
