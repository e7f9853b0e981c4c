// Package transcribe converts audio to text through a speech-to-text API.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Provider turns one audio stream into text. Calls are synchronous and may
// take as long as the audio itself.
type Provider interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// OpenAIOptions configures the Whisper provider.
type OpenAIOptions struct {
	APIKey   string
	Model    string
	BaseURL  string
	Language string
}

// OpenAIProvider calls the audio transcription endpoint with a plain-text response.
type OpenAIProvider struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	model := opts.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: opts.Language,
	}, nil
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		FilePath: filepath.Base(filename),
		Reader:   audio,
		Language: p.language,
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
