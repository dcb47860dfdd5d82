// Package openai provides a hosted STT provider backed by the OpenAI audio
// transcription API (github.com/openai/openai-go). It is the drop-in
// alternative to the local whisper.cpp server for deployments without a GPU.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/openquill/quill/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API endpoint, e.g. for a proxy.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// Provider implements stt.Provider on top of the OpenAI transcription API.
type Provider struct {
	client  oai.Client
	model   string
	baseURL string
}

// New creates a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	p := &Provider{model: string(oai.AudioModelWhisper1)}
	for _, opt := range opts {
		opt(p)
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(clientOpts...)
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if len(req.Data) == 0 {
		return nil, errors.New("openai: audio data must not be empty")
	}

	filename := req.Filename
	if filename == "" {
		filename = "audio.bin"
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(p.model),
		File:  oai.File(bytes.NewReader(req.Data), filename, req.MIME),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}

	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: transcription: %w", err)
	}

	return &stt.Result{
		Text:            tr.Text,
		DurationSeconds: req.DurationSeconds,
	}, nil
}
