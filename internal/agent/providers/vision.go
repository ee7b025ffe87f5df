package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Analyze answers a question about one image with a single non-streaming
// request. Satisfies the vision tool suite's Analyzer interface.
func (p *AnthropicProvider) Analyze(ctx context.Context, mimeType string, data []byte, prompt string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mimeType, encoded),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: analyze image: %w", err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty analysis response")
	}
	return b.String(), nil
}
