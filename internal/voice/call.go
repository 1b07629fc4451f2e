package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"meditalk/internal/core"
	"meditalk/pkg"
)

// CallClient implements core.VoiceProvider.  A call is created over REST and
// its events are then read from the monitor websocket the provider returns.
type CallClient struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewCallClient(cfg Config, logger *slog.Logger) *CallClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallClient{cfg: cfg.withDefaults(), dialer: websocket.DefaultDialer, logger: logger}
}

type callResponse struct {
	ID      string `json:"id"`
	Monitor struct {
		ListenURL  string `json:"listenUrl"`
		ControlURL string `json:"controlUrl"`
	} `json:"monitor"`
}

// Start creates a web call for the agent and connects to its event stream.
// ctx bounds the setup only; once Start returns the call lives until Stop.
//
// Events are read as JSON frames from monitor.listenUrl.  Control messages
// go to monitor.controlUrl when the provider returns one and down the
// event socket otherwise.
func (c *CallClient) Start(ctx context.Context, agentID string) (core.Call, error) {
	var created callResponse
	body := map[string]string{"assistantId": agentID, "type": "webCall"}
	if err := postJSON(ctx, c.cfg, c.cfg.BaseURL+"/call", body, &created); err != nil {
		return nil, err
	}
	if strings.TrimSpace(created.Monitor.ListenURL) == "" {
		return nil, errors.New("voice provider returned no call stream")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	conn, _, err := c.dialer.DialContext(ctx, created.Monitor.ListenURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to call stream: %w", err)
	}

	call := &liveCall{
		id:         created.ID,
		cfg:        c.cfg,
		controlURL: strings.TrimSpace(created.Monitor.ControlURL),
		conn:       conn,
		events:     make(chan pkg.CallEvent, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     c.logger.With(slog.String("call_id", created.ID)),
	}
	go call.readLoop()
	return call, nil
}

type liveCall struct {
	id         string
	cfg        Config
	controlURL string
	conn       *websocket.Conn
	events     chan pkg.CallEvent
	stop       chan struct{}
	done       chan struct{}
	logger     *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// providerMessage is the union of the messages the call stream sends.
type providerMessage struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	Role           string `json:"role"`
	Transcript     string `json:"transcript"`
	TranscriptType string `json:"transcriptType"`
	Message        string `json:"message"`
	Error          string `json:"error"`
}

type controlMessage struct {
	Type    string `json:"type"`
	Control string `json:"control"`
}

func (c *liveCall) Events() <-chan pkg.CallEvent { return c.events }

func (c *liveCall) SetMuted(muted bool) error {
	control := "unmute-customer"
	if muted {
		control = "mute-customer"
	}
	return c.send(controlMessage{Type: "control", Control: control})
}

// Stop asks the provider to end the call and closes the stream.  Safe to
// call more than once.
func (c *liveCall) Stop() error {
	var err error
	c.closeOnce.Do(func() {
		if sendErr := c.send(controlMessage{Type: "control", Control: "end-call"}); sendErr != nil {
			c.logger.Debug("end-call control not delivered", slog.String("error", sendErr.Error()))
		}
		close(c.stop)
		if closeErr := c.conn.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	})
	<-c.done
	return err
}

func (c *liveCall) send(msg controlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errors.New("call is over")
	default:
	}
	if c.controlURL != "" {
		return postJSON(context.Background(), c.cfg, c.controlURL, msg, nil)
	}
	return c.conn.WriteJSON(msg)
}

func (c *liveCall) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				c.logger.Debug("call stream closed", slog.String("error", err.Error()))
			}
			return
		}

		var msg providerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		event, ok := translate(msg)
		if !ok {
			continue
		}
		select {
		case c.events <- event:
		case <-c.stop:
			return
		}
		if event.Type == pkg.CallEnded {
			_ = c.conn.Close()
			return
		}
	}
}

// translate maps a provider message to a call event.  Partial transcripts
// and bookkeeping messages are dropped.
func translate(msg providerMessage) (pkg.CallEvent, bool) {
	switch msg.Type {
	case "call-start":
		return pkg.CallEvent{Type: pkg.CallStarted}, true
	case "call-end":
		return pkg.CallEvent{Type: pkg.CallEnded}, true
	case "status-update":
		switch msg.Status {
		case "in-progress":
			return pkg.CallEvent{Type: pkg.CallStarted}, true
		case "ended":
			return pkg.CallEvent{Type: pkg.CallEnded}, true
		}
	case "transcript":
		if msg.TranscriptType == "partial" || strings.TrimSpace(msg.Transcript) == "" {
			return pkg.CallEvent{}, false
		}
		speaker := pkg.SpeakerUser
		if msg.Role == "assistant" {
			speaker = pkg.SpeakerAssistant
		}
		return pkg.CallEvent{Type: pkg.CallTranscript, Speaker: speaker, Text: msg.Transcript}, true
	case "error":
		message := strings.TrimSpace(msg.Message)
		if message == "" {
			message = strings.TrimSpace(msg.Error)
		}
		if message == "" {
			message = "voice provider returned an unknown error"
		}
		return pkg.CallEvent{Type: pkg.CallError, Message: message}, true
	}
	return pkg.CallEvent{}, false
}
