// Package routing maps requested model names to provider secret paths.
package routing

import (
	"errors"
	"strings"
)

// ErrUnsupportedModel is returned for model names that match no provider
// family. The boundary maps it to a 400.
var ErrUnsupportedModel = errors.New("unsupported model architecture")

// Secret path suffixes under the Vault infrastructure root.
const (
	OpenAIPath    = "infrastructure/openai"
	AnthropicPath = "infrastructure/anthropic"
)

var openAIPrefixes = []string{"gpt-", "o1-"}

// ResolveProviderPath resolves the Vault secret path for a model name.
// Matching is case-sensitive exact-prefix: "gpt" alone does not match,
// "gpt-4o" does. The function is pure; it performs no I/O.
func ResolveProviderPath(model string) (string, error) {
	for _, p := range openAIPrefixes {
		if strings.HasPrefix(model, p) {
			return OpenAIPath, nil
		}
	}
	if strings.HasPrefix(model, "claude-") {
		return AnthropicPath, nil
	}
	return "", ErrUnsupportedModel
}
