package mixtex

import (
	"github.com/knights-analytics/mixtex/options"
)

// NewGoSession creates a session on the pure Go onnx runtime and tokenizer. It needs no
// shared libraries but is considerably slower than ORT.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
