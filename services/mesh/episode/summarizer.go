// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package episode

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAISummarizerConfig configures the reflection summarizer. BaseURL
// may point at any OpenAI-compatible local inference server.
type OpenAISummarizerConfig struct {
	BaseURL string
	APIKey  string

	// Model is the chat model name. Default: gpt-4o-mini.
	Model string

	// MaxTokens bounds the learning statement length. Default: 256.
	MaxTokens int
}

// OpenAISummarizer condenses episode transcripts into learning
// statements via a chat completion.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAISummarizer struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAISummarizer builds a summarizer from config.
func NewOpenAISummarizer(cfg OpenAISummarizerConfig) *OpenAISummarizer {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &OpenAISummarizer{
		client:    openai.NewClientWithConfig(cc),
		model:     model,
		maxTokens: maxTokens,
	}
}

const summarizerSystemPrompt = `You distill an agent's work episodes into one reusable learning.
State the lesson in at most three sentences, general enough to apply
to future tasks on the same codebase. No preamble.`

// Summarize produces a learning statement from the prompt.
func (s *OpenAISummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var _ Summarizer = (*OpenAISummarizer)(nil)
