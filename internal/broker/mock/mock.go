// Package mock provides an in-memory session broker for tests.
//
// Broker records every call and returns the values configured in its
// exported fields. It is safe for concurrent use.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/agent"
)

var _ agent.Broker = (*Broker)(nil)

// DescriptorCall records one [Broker.RequestDescriptor] call.
type DescriptorCall struct {
	Kind      voice.ContextKind
	SessionID string
}

// EndCall records one [Broker.ReportSessionEnd] call.
type EndCall struct {
	SessionID string
	Duration  time.Duration
}

// Broker is a mock session broker.
type Broker struct {
	mu sync.Mutex

	// Descriptor is returned by RequestDescriptor. An empty SessionID is
	// filled with the one the caller sent.
	Descriptor voice.Descriptor

	// DescriptorErr, when set, is returned instead of Descriptor.
	DescriptorErr error

	// EndErr is returned by ReportSessionEnd.
	EndErr error

	descriptorCalls []DescriptorCall
	endCalls        []EndCall
}

// RequestDescriptor returns the configured descriptor or error.
func (b *Broker) RequestDescriptor(_ context.Context, kind voice.ContextKind, sessionID string) (voice.Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.descriptorCalls = append(b.descriptorCalls, DescriptorCall{Kind: kind, SessionID: sessionID})
	if b.DescriptorErr != nil {
		return voice.Descriptor{}, b.DescriptorErr
	}
	d := b.Descriptor
	if d.SessionID == "" {
		d.SessionID = sessionID
	}
	if d.ContextKind == "" {
		d.ContextKind = kind
	}
	return d, nil
}

// ReportSessionEnd records the call and returns EndErr.
func (b *Broker) ReportSessionEnd(_ context.Context, sessionID string, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endCalls = append(b.endCalls, EndCall{SessionID: sessionID, Duration: duration})
	return b.EndErr
}

// DescriptorCalls returns a copy of every RequestDescriptor call.
func (b *Broker) DescriptorCalls() []DescriptorCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DescriptorCall, len(b.descriptorCalls))
	copy(out, b.descriptorCalls)
	return out
}

// EndCalls returns a copy of every ReportSessionEnd call.
func (b *Broker) EndCalls() []EndCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EndCall, len(b.endCalls))
	copy(out, b.endCalls)
	return out
}
