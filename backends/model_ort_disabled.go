//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/mixtex/options"
)

type ORTModel struct {
	Destroy func() error
}

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errors.New("ORT is not enabled")
}

func runEncoderORT(_ *Model, _ *Tensor) (*Tensor, error) {
	return nil, errors.New("ORT is not enabled")
}

func runDecoderStepORT(_ *DecoderRunner, _ DecoderStepInput) (*DecoderStepOutput, error) {
	return nil, errors.New("ORT is not enabled")
}
