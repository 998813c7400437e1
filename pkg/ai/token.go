package ai

import (
	"encoding/json"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// CountTokens returns the number of tokens in a string for a specific model.
func CountTokens(model string, text string) (int, error) {
	// gpt-4 and friends use cl100k_base; unknown models (Claude included) fall back to it.
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}
	return len(tkm.Encode(text, nil, nil)), nil
}

// EstimateCost prices input tokens using a per-1k-token table. The model is
// matched exactly, then by the longest table key it starts with, so
// "gpt-4" also prices "gpt-4-0613". A "default" entry catches the rest.
func EstimateCost(tokens int, model string, pricing map[string]float64) float64 {
	return (float64(tokens) / 1000.0) * PricePer1k(model, pricing)
}

// PricePer1k returns the table price used for model, or 0 if none applies.
func PricePer1k(model string, pricing map[string]float64) float64 {
	model = strings.ToLower(model)
	if p, ok := pricing[model]; ok {
		return p
	}
	best, price := "", 0.0
	for name, p := range pricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, price = name, p
		}
	}
	if best != "" {
		return price
	}
	return pricing["default"]
}

// chatRequest covers the OpenAI chat, OpenAI completion and Anthropic
// messages request shapes.
type chatRequest struct {
	Model    string          `json:"model"`
	System   json.RawMessage `json:"system"`
	Prompt   json.RawMessage `json:"prompt"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// PromptText extracts the model name and the text a request sends to it.
// ok is false when body is not a JSON object.
func PromptText(body []byte) (model, text string, ok bool) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", "", false
	}

	var b strings.Builder
	appendContent(&b, req.System)
	appendContent(&b, req.Prompt)
	for _, msg := range req.Messages {
		appendContent(&b, msg.Content)
	}
	return req.Model, b.String(), true
}

// appendContent accepts a plain string, a list of strings, or a list of
// content blocks, of which only the text blocks count.
func appendContent(b *strings.Builder, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		b.WriteString(s)
		return
	}
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil {
		return
	}
	for _, part := range parts {
		if json.Unmarshal(part, &s) == nil {
			b.WriteString(s)
			continue
		}
		var block struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(part, &block) == nil && block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
}
