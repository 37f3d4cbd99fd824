//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/mixtex/util/safeconv"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "RUST", RustTokenizer: &RustTokenizer{Tokenizer: tk}, Destroy: func() error {
		return tk.Close()
	}}, nil
}

func decodeRust(tokens []int64, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	ids := make([]uint32, len(tokens))
	for i, id := range tokens {
		ids[i] = safeconv.Int64ToUint32(id)
	}
	return tokenizer.RustTokenizer.Tokenizer.Decode(ids, skipSpecialTokens)
}

func tokenIDRust(tokenizer *Tokenizer, token string) (int64, bool) {
	ids, _ := tokenizer.RustTokenizer.Tokenizer.Encode(token, false)
	if len(ids) != 1 {
		return 0, false
	}
	return int64(ids[0]), true
}
