package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/mixtex/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "GO", GoTokenizer: &GoTokenizer{Tokenizer: tk}, Destroy: func() error {
		return nil
	}}, nil
}

func decodeGo(tokens []int64, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	ids := make([]int, len(tokens))
	for i, id := range tokens {
		ids[i] = safeconv.Int64ToInt(id)
	}
	return tokenizer.GoTokenizer.Tokenizer.Decode(ids, skipSpecialTokens)
}

func tokenIDGo(tokenizer *Tokenizer, token string) (int64, bool) {
	id, ok := tokenizer.GoTokenizer.Tokenizer.TokenToId(token)
	return int64(id), ok
}
