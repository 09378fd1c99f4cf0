// Package provider abstracts the language model backend used for
// generation steps so the pipeline can run against any model service
// or a scripted double in tests.
package provider

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResponse is returned by the scripted provider when it runs out
// of queued responses.
var ErrNoResponse = errors.New("no scripted response available")

// Provider generates text from a prompt. GenerateStream delivers the
// response in chunks through the callback as they become available.
type Provider interface {
	Generate(ctx context.Context, prompt string, params map[string]interface{}) (string, error)
	GenerateStream(ctx context.Context, prompt string, params map[string]interface{}, onChunk func(string)) error
}

// Scripted is a deterministic Provider for tests and offline use. It
// replays queued responses in order and records the prompts it saw.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	index     int
	prompts   []string
}

// NewScripted creates a provider that replays the given responses.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

// Generate returns the next queued response.
func (s *Scripted) Generate(ctx context.Context, prompt string, params map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, prompt)
	if s.index >= len(s.responses) {
		return "", ErrNoResponse
	}
	response := s.responses[s.index]
	s.index++
	return response, nil
}

// GenerateStream replays the next response in two chunks so streaming
// consumers can be exercised.
func (s *Scripted) GenerateStream(ctx context.Context, prompt string, params map[string]interface{}, onChunk func(string)) error {
	response, err := s.Generate(ctx, prompt, params)
	if err != nil {
		return err
	}
	if len(response) < 2 {
		onChunk(response)
		return nil
	}
	mid := len(response) / 2
	onChunk(response[:mid])
	onChunk(response[mid:])
	return nil
}

// Prompts returns the prompts seen so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
