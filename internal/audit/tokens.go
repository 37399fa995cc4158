package audit

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/config"
)

// TokenCounter counts prompt tokens for audit records.
// Without a loaded encoding it estimates len/4.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the named tiktoken encoding. An empty name or a
// load failure yields the estimating counter.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		return &TokenCounter{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", encoding).Msg("audit: tokenizer unavailable, estimating token counts")
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of s.
func (t *TokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	if t == nil || t.enc == nil {
		return len(s) / config.TokenEstimateRatio
	}
	return len(t.enc.Encode(s, nil, nil))
}
