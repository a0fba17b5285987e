package service

import (
	"context"
	"sync"

	"github.com/wirepulse/wirepulse/internal/protocol"
)

// fakePeer records everything sent to it.
type fakePeer struct {
	mu     sync.Mutex
	sent   []protocol.ServerMessage
	closed bool
}

func (p *fakePeer) Send(msg protocol.ServerMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sent = append(p.sent, msg)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) messages() []protocol.ServerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.ServerMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePeer) byKind(kind string) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, m := range p.messages() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) last() (protocol.ServerMessage, bool) {
	msgs := p.messages()
	if len(msgs) == 0 {
		return protocol.ServerMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// countingExecutor returns a fixed result and counts executions.
type countingExecutor struct {
	mu     sync.Mutex
	calls  int
	bySQL  map[string]int
	result any
	err    error
}

func newCountingExecutor(result any) *countingExecutor {
	return &countingExecutor{bySQL: make(map[string]int), result: result}
}

func (e *countingExecutor) exec(_ context.Context, _, _, sql string, _ []any) (any, error) {
	e.mu.Lock()
	e.calls++
	e.bySQL[sql]++
	err := e.err
	result := e.result
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *countingExecutor) countFor(sql string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bySQL[sql]
}
