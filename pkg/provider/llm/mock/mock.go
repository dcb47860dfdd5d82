// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the requests the orchestrator builds
// and to feed controlled event sequences without a live LLM backend. Scripts
// holds one event slice per expected Stream call; mutating fields during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Scripts: [][]llm.Event{{
//	    {Type: llm.EventTextDelta, Text: "4"},
//	    {Type: llm.EventMessageStop, StopReason: llm.StopEndTurn},
//	}}}
package mock

import (
	"context"
	"sync"

	"github.com/openquill/quill/pkg/provider/llm"
)

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Scripts holds the event sequences emitted by successive Stream
	// calls: call n plays Scripts[n]. When calls outrun the scripts the
	// provider emits a bare end_turn stop so tests fail loudly on content
	// assertions instead of deadlocking.
	Scripts [][]llm.Event

	// StreamErr, if non-nil, is returned from every Stream call instead
	// of starting a channel.
	StreamErr error

	// TokensPerChar overrides CountTokens; when zero a 4-chars-per-token
	// estimate is used.
	TokenCount int

	// Delay, when set, is invoked between events so tests can inject
	// cancellation at event boundaries.
	Delay func(callIndex, eventIndex int)

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall
}

var _ llm.Provider = (*Provider)(nil)

// Stream implements llm.Provider by replaying the next script.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	var script []llm.Event
	if call < len(p.Scripts) {
		script = p.Scripts[call]
	} else {
		script = []llm.Event{{Type: llm.EventMessageStop, StopReason: llm.StopEndTurn}}
	}
	delay := p.Delay
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		for i, ev := range script {
			if delay != nil {
				delay(call, i)
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount > 0 {
		return p.TokenCount
	}
	return (len(text) + 3) / 4
}

// Calls returns a copy of the recorded Stream calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}
