package backends

import (
	"fmt"

	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/util/fileutil"
)

// StartToken is the sequence start marker of the MixTeX vocabulary.
const StartToken = "<s>"

type Tokenizer struct {
	RustTokenizer *RustTokenizer
	GoTokenizer   *GoTokenizer
	Destroy       func() error
	Runtime       string
}

// LoadTokenizer reads tokenizer.json from modelPath. ORT sessions use the Rust
// tokenizers bindings, GO sessions the pure Go implementation.
func LoadTokenizer(modelPath string, s *options.Options) (*Tokenizer, error) {
	tokenizerPath := fileutil.PathJoinSafe(modelPath, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer.json not found at %s", modelPath)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	switch s.Backend {
	case "ORT":
		return loadRustTokenizer(tokenizerBytes)
	case "GO":
		return loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", s.Backend)
	}
}

// DecodeToken renders a single id, dropping special tokens.
func (t *Tokenizer) DecodeToken(id int64) (string, error) {
	return Decode([]int64{id}, t, true)
}

// TokenID looks up the id of a single vocabulary entry.
func (t *Tokenizer) TokenID(token string) (int64, bool) {
	switch t.Runtime {
	case "RUST":
		return tokenIDRust(t, token)
	case "GO":
		return tokenIDGo(t, token)
	}
	return 0, false
}

func Decode(tokens []int64, tokenizer *Tokenizer, skipSpecialTokens bool) (string, error) {
	for _, id := range tokens {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
	}
	switch tokenizer.Runtime {
	case "RUST":
		return decodeRust(tokens, tokenizer, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, tokenizer, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", tokenizer.Runtime)
}

// ResolveStartTokenID picks the first decoder input: decoder_start_token_id, then the
// tokenizer id of <s>, then bos_token_id.
func ResolveStartTokenID(config *DecoderConfig, tk *Tokenizer) (int64, error) {
	if config.HasDecoderStart {
		return config.DecoderStartTokenID, nil
	}
	if tk != nil {
		if id, ok := tk.TokenID(StartToken); ok {
			return id, nil
		}
	}
	if config.HasBos {
		return config.BosTokenID, nil
	}
	return 0, fmt.Errorf("no start token: config has no decoder_start_token_id or bos_token_id and the vocabulary has no %s", StartToken)
}
