package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token size of a request, for debug logging
// around truncation diagnosis. Falls back to a bytes/4 heuristic when the
// encoding is unavailable (e.g. offline first run).
func EstimateTokens(req Request) int {
	text := req.System + "\n" + req.User

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}
