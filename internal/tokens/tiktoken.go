package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-llm-middleware/internal/core/domain"
)

// Chat format overhead, per OpenAI's counting guidance.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerTool    = 7
	replyPriming     = 3
)

// OpenAICounter counts tokens for OpenAI models with tiktoken encodings.
type OpenAICounter struct {
	matcher *ModelMatcher

	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewOpenAICounter creates a tiktoken based counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "text-embedding", "text-davinci"},
			[]string{"davinci", "curie", "babbage", "ada"},
		),
		codecs: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

func (c *OpenAICounter) codec(model string) (tokenizer.Codec, error) {
	enc := encodingFor(model)

	c.mu.RLock()
	codec, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", enc, err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model to its tiktoken encoding. Unknown models get
// o200k_base, the encoding of current model families.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	case strings.HasPrefix(model, "text-davinci"):
		return tokenizer.P50kBase
	case model == "davinci", model == "curie", model == "babbage", model == "ada":
		return tokenizer.R50kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountTokens counts the input tokens of the request.
func (c *OpenAICounter) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	codec, err := c.codec(req.Model)
	if err != nil {
		return nil, err
	}

	encode := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}

	total := 0
	if req.System != "" {
		total += tokensPerMessage + tokensPerRole + encode(req.System)
	}
	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole + encode(msg.Content)
		if msg.Name != "" {
			total += encode(msg.Name)
		}
	}
	for _, tool := range req.Tools {
		total += tokensPerTool + encode(tool.Name) + encode(tool.Description)
	}
	total += replyPriming

	return &domain.TokenCountResponse{
		InputTokens: total,
		Model:       req.Model,
	}, nil
}

// SupportsModel reports whether model is an OpenAI model.
func (c *OpenAICounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

// CountText counts the tokens of a plain string.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	codec, err := c.codec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
