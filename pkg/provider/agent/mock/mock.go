// Package mock provides a test double for the agent.Provider interface.
//
// Each operation can be scripted with a function hook; without a hook the
// mock answers with a fresh session, a single Inform reply echoing the input,
// or success respectively. Every call is recorded.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/agent"
)

// CreateCall records a single invocation of CreateSession.
type CreateCall struct {
	Token   string
	AgentID string
}

// SendCall records a single invocation of SendMessage.
type SendCall struct {
	Token   string
	Session agent.Session
	Seq     int
	Text    string
}

// EndCall records a single invocation of EndSession.
type EndCall struct {
	Token   string
	Session agent.Session
}

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// CreateFunc, if set, answers CreateSession. n is the 1-based call count.
	CreateFunc func(n int, token, agentID string) (agent.Session, error)

	// SendFunc, if set, answers SendMessage. n is the 1-based call count.
	SendFunc func(n int, token string, sess agent.Session, seq int, text string) ([]agent.Message, error)

	// EndErr, if non-nil, is returned by every EndSession call.
	EndErr error

	// Block, if non-nil, makes SendMessage wait until it is closed or ctx ends.
	Block chan struct{}

	CreateCalls []CreateCall
	SendCalls   []SendCall
	EndCalls    []EndCall
}

// CreateSession records the call and returns a session.
func (p *Provider) CreateSession(_ context.Context, token, agentID string) (agent.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls = append(p.CreateCalls, CreateCall{Token: token, AgentID: agentID})
	n := len(p.CreateCalls)
	if p.CreateFunc != nil {
		return p.CreateFunc(n, token, agentID)
	}
	id := fmt.Sprintf("session-%d", n)
	return agent.Session{ID: id, MessagesURL: "mock://" + id + "/messages"}, nil
}

// SendMessage records the call and returns the scripted reply.
func (p *Provider) SendMessage(ctx context.Context, token string, sess agent.Session, seq int, text string) ([]agent.Message, error) {
	p.mu.Lock()
	block := p.Block
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.SendCalls = append(p.SendCalls, SendCall{Token: token, Session: sess, Seq: seq, Text: text})
	n := len(p.SendCalls)
	if p.SendFunc != nil {
		return p.SendFunc(n, token, sess, seq, text)
	}
	return []agent.Message{{Type: agent.MessageTypeInform, Text: "echo: " + text}}, nil
}

// EndSession records the call and returns EndErr.
func (p *Provider) EndSession(_ context.Context, token string, sess agent.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EndCalls = append(p.EndCalls, EndCall{Token: token, Session: sess})
	return p.EndErr
}

// Creates returns a copy of the recorded CreateSession calls. Thread-safe.
func (p *Provider) Creates() []CreateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CreateCall(nil), p.CreateCalls...)
}

// Sends returns a copy of the recorded SendMessage calls. Thread-safe.
func (p *Provider) Sends() []SendCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SendCall(nil), p.SendCalls...)
}

// Ends returns a copy of the recorded EndSession calls. Thread-safe.
func (p *Provider) Ends() []EndCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EndCall(nil), p.EndCalls...)
}

// Ensure Provider implements agent.Provider at compile time.
var _ agent.Provider = (*Provider)(nil)
