// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package responder generates AI responses for incoming queries.  The
// daemon can run without one, in which case callers supply both query and
// response and the pipeline only anchors them.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyQuery is returned when the query is empty after trimming.
var ErrEmptyQuery = errors.New("empty query")

// Responder produces a response for a user query.
type Responder interface {
	// Respond returns the model response for the given query.
	Respond(ctx context.Context, query string) (string, error)
}

// defaultSystemPrompt keeps answers terse; the full exchange is hashed and
// the hash anchored, so the response should be final once produced.
const defaultSystemPrompt = "You are a helpful assistant. Provide a " +
	"complete, final answer; it will be recorded verbatim."

// OpenAI is a Responder backed by an OpenAI compatible chat completion
// endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	prompt string
}

var _ Responder = (*OpenAI)(nil)

// NewOpenAI returns a Responder talking to an OpenAI compatible service.
// baseURL may be empty to use the public API; model may be empty to use a
// sane default.
func NewOpenAI(apiKey, baseURL, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if model == "" {
		model = openai.GPT4o
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	log.Infof("Responder: openai model %v", model)
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		prompt: defaultSystemPrompt,
	}, nil
}

// Respond satisfies the Responder interface.
func (o *OpenAI) Respond(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	resp, err := o.client.CreateChatCompletion(ctx,
		openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: o.prompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: query,
				},
			},
		})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("empty completion")
	}
	log.Debugf("Responder: %v tokens for %v byte query",
		resp.Usage.TotalTokens, len(query))
	return answer, nil
}
