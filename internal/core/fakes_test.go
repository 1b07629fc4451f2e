package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"meditalk/internal/llm"
	"meditalk/pkg"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	mu      sync.Mutex
	records map[string]pkg.Consultation
	updates []pkg.ConsultationUpdate
	finds   int
	failOn  string
}

func newFakeStore(records ...pkg.Consultation) *fakeStore {
	s := &fakeStore{records: make(map[string]pkg.Consultation)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) FindOwned(_ context.Context, id, ownerID string) (*pkg.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	r, ok := s.records[id]
	if !ok || r.CreatedBy != ownerID {
		return nil, fmt.Errorf("consultation %s: %w", id, errNotFound)
	}
	return &r, nil
}

func (s *fakeStore) Update(_ context.Context, id string, u pkg.ConsultationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == "update" {
		return errors.New("database unavailable")
	}
	r := s.records[id]
	if u.Conversation != nil {
		r.Conversation = *u.Conversation
	}
	if u.Report != nil {
		r.Report = *u.Report
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	s.records[id] = r
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeStore) record(id string) pkg.Consultation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeStore) updateLog() []pkg.ConsultationUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pkg.ConsultationUpdate(nil), s.updates...)
}

// jsonSealer stands in for the AES codec with a readable envelope.
type jsonSealer struct{}

func (jsonSealer) Encrypt(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "sealed:" + string(b), nil
}

func (jsonSealer) Decrypt(blob string, out any) bool {
	raw, ok := strings.CutPrefix(blob, "sealed:")
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

type fakeMic struct{ err error }

func (m fakeMic) RequestAccess(context.Context) error { return m.err }

type fakeAgents struct {
	mu    sync.Mutex
	specs []pkg.AgentSpec
	id    string
	err   error
}

func (a *fakeAgents) CreateAgent(_ context.Context, spec pkg.AgentSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.specs = append(a.specs, spec)
	if a.err != nil {
		return "", a.err
	}
	return a.id, nil
}

type fakeCall struct {
	mu     sync.Mutex
	events chan pkg.CallEvent
	closed bool
	stops  int
	muted  []bool
}

func newFakeCall() *fakeCall {
	return &fakeCall{events: make(chan pkg.CallEvent, 64)}
}

func (c *fakeCall) Events() <-chan pkg.CallEvent { return c.events }

func (c *fakeCall) emit(ev pkg.CallEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

func (c *fakeCall) SetMuted(m bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = append(c.muted, m)
	return nil
}

func (c *fakeCall) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeCall) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

type fakeVoice struct {
	call *fakeCall
	err  error
	// hang makes Start block until its context ends.
	hang bool
}

func (v *fakeVoice) Start(ctx context.Context, _ string) (Call, error) {
	if v.hang {
		<-ctx.Done()
		return nil, fmt.Errorf("dial call stream: %w", ctx.Err())
	}
	if v.err != nil {
		return nil, v.err
	}
	return v.call, nil
}

type fakeReports struct {
	mu    sync.Mutex
	calls int
	got   []pkg.TranscriptEntry
	err   error
}

func (r *fakeReports) Generate(_ context.Context, _ *pkg.Consultation, transcript []pkg.TranscriptEntry) (*pkg.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.got = transcript
	if r.err != nil {
		return nil, r.err
	}
	report := FallbackReport()
	return &report, nil
}

func (r *fakeReports) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	requests []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.response, f.err
}

func (f *fakeLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *fakeNotifier) Notify(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return nil
}
