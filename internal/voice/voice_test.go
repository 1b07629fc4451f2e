package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meditalk/internal/core"
	"meditalk/pkg"
)

func TestCreateAgentSendsAssistantConfig(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assistant", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"asst-1"}`))
	}))
	defer srv.Close()

	client := NewAgentClient(Config{APIKey: "key", BaseURL: srv.URL + "/"})
	id, err := client.CreateAgent(context.Background(), core.BuildAgentSpec("demam", "llama-3.1-8b-instant"))
	require.NoError(t, err)
	assert.Equal(t, "asst-1", id)

	model := got["model"].(map[string]any)
	assert.Equal(t, "groq", model["provider"])
	assert.EqualValues(t, 150, model["maxTokens"])
	messages := model["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].(map[string]any)["content"], "demam")
	assert.Contains(t, got["firstMessage"], "demam")
	assert.EqualValues(t, 420, got["silenceTimeoutSeconds"])
	assert.EqualValues(t, 600, got["maxDurationSeconds"])
	assert.Equal(t, "id", got["transcriber"].(map[string]any)["language"])
	functions := got["functions"].([]any)
	require.Len(t, functions, 1)
	assert.Equal(t, "endCall", functions[0].(map[string]any)["name"])
}

func TestCreateAgentErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, `{"message":"invalid key"}`, http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewAgentClient(Config{APIKey: "bad", BaseURL: srv.URL}).CreateAgent(context.Background(), pkg.AgentSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid key")

	_, err = NewAgentClient(Config{APIKey: "good", BaseURL: srv.URL}).CreateAgent(context.Background(), pkg.AgentSpec{})
	assert.ErrorContains(t, err, "no assistant id")

	_, err = NewAgentClient(Config{BaseURL: srv.URL}).CreateAgent(context.Background(), pkg.AgentSpec{})
	assert.ErrorContains(t, err, "not configured")
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		msg  providerMessage
		want pkg.CallEvent
		ok   bool
	}{
		{"start", providerMessage{Type: "call-start"}, pkg.CallEvent{Type: pkg.CallStarted}, true},
		{"status in progress", providerMessage{Type: "status-update", Status: "in-progress"}, pkg.CallEvent{Type: pkg.CallStarted}, true},
		{"status ended", providerMessage{Type: "status-update", Status: "ended"}, pkg.CallEvent{Type: pkg.CallEnded}, true},
		{"status ringing", providerMessage{Type: "status-update", Status: "ringing"}, pkg.CallEvent{}, false},
		{"final assistant", providerMessage{Type: "transcript", Role: "assistant", Transcript: "Halo", TranscriptType: "final"},
			pkg.CallEvent{Type: pkg.CallTranscript, Speaker: pkg.SpeakerAssistant, Text: "Halo"}, true},
		{"final user", providerMessage{Type: "transcript", Role: "user", Transcript: "Demam"},
			pkg.CallEvent{Type: pkg.CallTranscript, Speaker: pkg.SpeakerUser, Text: "Demam"}, true},
		{"partial", providerMessage{Type: "transcript", Role: "user", Transcript: "Dem", TranscriptType: "partial"}, pkg.CallEvent{}, false},
		{"empty", providerMessage{Type: "transcript", Role: "user", Transcript: " "}, pkg.CallEvent{}, false},
		{"error", providerMessage{Type: "error", Error: "network"}, pkg.CallEvent{Type: pkg.CallError, Message: "network"}, true},
		{"unknown", providerMessage{Type: "speech-update"}, pkg.CallEvent{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := translate(tc.msg)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

// fakeProvider serves the call endpoint and a monitor websocket that plays
// script and records control messages, received on the socket or, with
// controlEndpoint set, on a separate HTTP control URL.
type fakeProvider struct {
	srv             *httptest.Server
	script          []string
	controls        chan controlMessage
	controlEndpoint bool
}

func newFakeProvider(t *testing.T, script ...string) *fakeProvider {
	return startFakeProvider(t, false, script...)
}

func startFakeProvider(t *testing.T, controlEndpoint bool, script ...string) *fakeProvider {
	p := &fakeProvider{script: script, controls: make(chan controlMessage, 16), controlEndpoint: controlEndpoint}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asst-1", body["assistantId"])
		monitor := map[string]string{"listenUrl": "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/listen"}
		if p.controlEndpoint {
			monitor["controlUrl"] = p.srv.URL + "/control"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "call-1", "monitor": monitor})
	})
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var ctl controlMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ctl))
		p.controls <- ctl
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/listen", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range p.script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		for {
			var ctl controlMessage
			if err := conn.ReadJSON(&ctl); err != nil {
				return
			}
			p.controls <- ctl
			if ctl.Control == "end-call" {
				return
			}
		}
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func collect(t *testing.T, events <-chan pkg.CallEvent, n int) []pkg.CallEvent {
	t.Helper()
	var out []pkg.CallEvent
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", len(out))
		}
	}
	return out
}

func TestCallStreamsFinalEventsInOrder(t *testing.T) {
	p := newFakeProvider(t,
		`{"type":"call-start"}`,
		`{"type":"transcript","role":"assistant","transcriptType":"final","transcript":"Halo"}`,
		`{"type":"transcript","role":"user","transcriptType":"partial","transcript":"sa"}`,
		`not json`,
		`{"type":"transcript","role":"user","transcriptType":"final","transcript":"saya demam"}`,
		`{"type":"call-end"}`,
	)
	client := NewCallClient(Config{APIKey: "key", BaseURL: p.srv.URL}, nil)

	call, err := client.Start(context.Background(), "asst-1")
	require.NoError(t, err)

	events := collect(t, call.Events(), 5)
	require.Len(t, events, 4)
	assert.Equal(t, pkg.CallStarted, events[0].Type)
	assert.Equal(t, "Halo", events[1].Text)
	assert.Equal(t, "saya demam", events[2].Text)
	assert.Equal(t, pkg.SpeakerUser, events[2].Speaker)
	assert.Equal(t, pkg.CallEnded, events[3].Type)

	require.NoError(t, call.Stop())
}

func TestCallControlMessages(t *testing.T) {
	p := newFakeProvider(t, `{"type":"call-start"}`)
	call, err := NewCallClient(Config{APIKey: "key", BaseURL: p.srv.URL}, nil).Start(context.Background(), "asst-1")
	require.NoError(t, err)
	collect(t, call.Events(), 1)

	require.NoError(t, call.SetMuted(true))
	require.NoError(t, call.SetMuted(false))
	_ = call.Stop()

	var got []string
	for len(got) < 3 {
		select {
		case ctl := <-p.controls:
			got = append(got, ctl.Control)
		case <-time.After(2 * time.Second):
			t.Fatalf("controls received: %v", got)
		}
	}
	assert.Equal(t, []string{"mute-customer", "unmute-customer", "end-call"}, got)

	_, open := <-call.Events()
	assert.False(t, open)
	assert.Error(t, call.SetMuted(true))
}

func TestCallControlURL(t *testing.T) {
	p := startFakeProvider(t, true, `{"type":"call-start"}`)
	call, err := NewCallClient(Config{APIKey: "key", BaseURL: p.srv.URL}, nil).Start(context.Background(), "asst-1")
	require.NoError(t, err)
	collect(t, call.Events(), 1)

	require.NoError(t, call.SetMuted(true))
	_ = call.Stop()

	var got []string
	for len(got) < 2 {
		select {
		case ctl := <-p.controls:
			got = append(got, ctl.Control)
		case <-time.After(2 * time.Second):
			t.Fatalf("controls received: %v", got)
		}
	}
	assert.Equal(t, []string{"mute-customer", "end-call"}, got)
}

func TestCallOutlivesSetupContext(t *testing.T) {
	p := newFakeProvider(t, `{"type":"call-start"}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	call, err := NewCallClient(Config{APIKey: "key", BaseURL: p.srv.URL}, nil).Start(ctx, "asst-1")
	require.NoError(t, err)
	cancel()

	collect(t, call.Events(), 1)
	require.NoError(t, call.SetMuted(true))
	select {
	case ctl := <-p.controls:
		assert.Equal(t, "mute-customer", ctl.Control)
	case <-time.After(2 * time.Second):
		t.Fatal("mute not delivered after setup context ended")
	}
	require.NoError(t, call.Stop())
}

func TestCallStartHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewCallClient(Config{APIKey: "key", BaseURL: srv.URL}, nil).Start(ctx, "asst-1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
