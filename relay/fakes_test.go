package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/onnwee/questrelay/chatapi"
	"github.com/onnwee/questrelay/envelope"
	"github.com/onnwee/questrelay/queue"
	"github.com/onnwee/questrelay/session"
	"github.com/onnwee/questrelay/testutil"
)

type fakeSessions map[string]*testutil.FakeSession

func (f fakeSessions) Get(_ context.Context, id string) (chatapi.Session, error) {
	s, ok := f[id]
	if !ok {
		return nil, session.ErrUnknownWorkspace
	}
	return s, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	inbound  []envelope.Inbound
	events   []queue.Event
	err      error
	eventErr error
}

func (p *fakePublisher) PublishInbound(_ context.Context, env envelope.Inbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.inbound = append(p.inbound, env)
	return nil
}

func (p *fakePublisher) PublishEvent(_ context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eventErr != nil {
		return p.eventErr
	}
	p.events = append(p.events, ev)
	return nil
}

// sent returns the published inbound envelopes as JSON strings.
func (p *fakePublisher) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.inbound))
	for _, env := range p.inbound {
		b, _ := json.Marshal(env)
		out = append(out, string(b))
	}
	return out
}

type report struct {
	err     error
	details map[string]any
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *fakeReporter) Report(_ context.Context, err error, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{err, details})
}

func (r *fakeReporter) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

type fakeMessage struct {
	body   []byte
	mu     sync.Mutex
	acks   int
	nacks  int
	ackErr error
}

func msg(body string) *fakeMessage { return &fakeMessage{body: []byte(body)} }

func (m *fakeMessage) Body() []byte { return m.body }

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return m.ackErr
}

func (m *fakeMessage) Nack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks++
	return nil
}

func (m *fakeMessage) nackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nacks
}

func (m *fakeMessage) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

type fakeSource struct {
	msgs chan queue.Message
	err  error
}

func (s *fakeSource) Consume(context.Context) (<-chan queue.Message, error) {
	return s.msgs, s.err
}

// fakeBindings maps "user/team" to an active channel.
type fakeBindings map[string]string

func (b fakeBindings) FetchActiveChannel(_ context.Context, userID, workspaceID string) (string, error) {
	return b[userID+"/"+workspaceID], nil
}
