package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/knights-analytics/mixtex/backends"
	"github.com/knights-analytics/mixtex/util/textutil"
)

// DecodeState is the phase of one greedy decoding run.
type DecodeState int

const (
	StateStart DecodeState = iota
	StateStepping
	StateDone
	StateTruncated
	StateRepeated
)

func (s DecodeState) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateStepping:
		return "STEPPING"
	case StateDone:
		return "DONE"
	case StateTruncated:
		return "TRUNCATED"
	case StateRepeated:
		return "REPEATED"
	}
	return fmt.Sprintf("DecodeState(%d)", int(s))
}

// Terminal reports whether no further steps will run.
func (s DecodeState) Terminal() bool {
	return s == StateDone || s == StateTruncated || s == StateRepeated
}

// StepRunner executes one incremental decoder step.
type StepRunner interface {
	RunStep(ctx context.Context, in backends.DecoderStepInput) (*backends.DecoderStepOutput, error)
}

// TokenDecoder renders one token id as text, skipping special tokens.
type TokenDecoder interface {
	DecodeToken(id int64) (string, error)
}

type DecodeOptions struct {
	EosTokenIDs     map[int64]bool
	OnToken         func(piece string)
	StartTokenID    int64
	MaxSteps        int
	RepeatThreshold int
	NumLayers       int
	NumHeads        int
	HeadDim         int
}

// DecoderState is the request scoped state of one decoding run.
type DecoderState struct {
	Cache          *backends.KVCache
	text           strings.Builder
	TokenIDs       []int64
	InputID        int64
	Steps          int
	UseCacheBranch bool
	Phase          DecodeState
}

func (s *DecoderState) Text() string {
	return s.text.String()
}

// StepResult is the outcome of one decoding step.
type StepResult struct {
	Present []backends.LayerCache
	Piece   string
	TokenID int64
	EOS     bool
}

// DecodeResult is the tagged outcome of a decoding run.
type DecodeResult struct {
	Text     string
	TokenIDs []int64
	State    DecodeState
	Steps    int
}

// NewDecoderState starts a run at the start token with an empty cache for every layer.
// The merged decoder expects use_cache_branch to be set even while the cache is empty.
func NewDecoderState(opts DecodeOptions) (*DecoderState, error) {
	cache, err := backends.NewKVCache(opts.NumLayers, 1, opts.NumHeads, opts.HeadDim)
	if err != nil {
		return nil, err
	}
	return &DecoderState{
		Cache:          cache,
		InputID:        opts.StartTokenID,
		UseCacheBranch: true,
		Phase:          StateStart,
	}, nil
}

func (s *DecoderState) step(ctx context.Context, runner StepRunner, tokens TokenDecoder, encoded *backends.Tensor, eos map[int64]bool) (*StepResult, error) {
	out, err := runner.RunStep(ctx, backends.DecoderStepInput{
		EncoderHiddenStates: encoded,
		Cache:               s.Cache,
		TokenID:             s.InputID,
		UseCacheBranch:      s.UseCacheBranch,
	})
	if err != nil {
		return nil, err
	}
	next, err := backends.ArgmaxLastPosition(out.Logits)
	if err != nil {
		return nil, err
	}
	piece, err := tokens.DecodeToken(next)
	if err != nil {
		return nil, fmt.Errorf("decoding token %d: %w", next, err)
	}
	return &StepResult{Present: out.Present, Piece: piece, TokenID: next, EOS: eos[next]}, nil
}

// apply folds a step into the state: the text grows, the cache is replaced and the
// selected token becomes the next input.
func (s *DecoderState) apply(result *StepResult) error {
	if err := s.Cache.Advance(result.Present); err != nil {
		return err
	}
	s.text.WriteString(result.Piece)
	s.TokenIDs = append(s.TokenIDs, result.TokenID)
	s.InputID = result.TokenID
	s.Steps++
	s.UseCacheBranch = true
	return nil
}

// Decode runs greedy incremental decoding over encoded until an end token, a repeated
// pattern in the accumulated text or the step ceiling. Every step appends the decoded
// token, then checks for repetition, then for the end token. A failing step aborts the
// run with an error and no partial text.
func Decode(ctx context.Context, runner StepRunner, tokens TokenDecoder, encoded *backends.Tensor, opts DecodeOptions) (*DecodeResult, error) {
	if opts.MaxSteps < 1 {
		return nil, errors.New("max steps must be positive")
	}
	state, err := NewDecoderState(opts)
	if err != nil {
		return nil, err
	}

	for !state.Phase.Terminal() {
		if state.Steps >= opts.MaxSteps {
			state.Phase = StateTruncated
			break
		}
		state.Phase = StateStepping

		result, stepErr := state.step(ctx, runner, tokens, encoded, opts.EosTokenIDs)
		if stepErr != nil {
			return nil, fmt.Errorf("decode step %d: %w", state.Steps+1, stepErr)
		}
		if applyErr := state.apply(result); applyErr != nil {
			return nil, fmt.Errorf("decode step %d: %w", state.Steps+1, applyErr)
		}
		if opts.OnToken != nil {
			opts.OnToken(result.Piece)
		}

		switch {
		case textutil.HasRepetition(state.Text(), opts.RepeatThreshold):
			state.Phase = StateRepeated
		case result.EOS:
			state.Phase = StateDone
		}
	}

	return &DecodeResult{
		Text:     state.Text(),
		TokenIDs: state.TokenIDs,
		State:    state.Phase,
		Steps:    state.Steps,
	}, nil
}
