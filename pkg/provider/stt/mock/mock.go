// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/openquill/quill/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider. Each Transcribe call
// returns the next scripted result; when the script is exhausted the last
// result repeats.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Transcribe calls.
	Results []stt.Result

	// Err, if non-nil, is returned from every Transcribe call.
	Err error

	// Calls records every request in order.
	Calls []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.Calls)
	p.Calls = append(p.Calls, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Results) == 0 {
		return &stt.Result{}, nil
	}
	if call >= len(p.Results) {
		call = len(p.Results) - 1
	}
	res := p.Results[call]
	return &res, nil
}

// Requests returns a copy of the recorded requests.
func (p *Provider) Requests() []stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.Request, len(p.Calls))
	copy(out, p.Calls)
	return out
}
