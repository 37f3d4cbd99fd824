//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte) (*Tokenizer, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}

func decodeRust(_ []int64, _ *Tokenizer, _ bool) string {
	return ""
}

func tokenIDRust(_ *Tokenizer, _ string) (int64, bool) {
	return 0, false
}
