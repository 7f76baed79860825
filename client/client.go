/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package client implements the device side of the showsync protocol:
// registration, event handling, and the bounded reconnection loop used
// by booth hardware on flaky trade-show networks.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultMaxAttempts      = 10
	defaultRetryDelay       = 3 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// State is the device's local copy of the server's canonical record.
// It is only ever replaced wholesale from a state-update snapshot or
// adjusted from a state-change event; the device never invents state.
type State struct {
	CurrentScenario *string `json:"currentScenario"`
	CurrentStep     int     `json:"currentStep"`
	IsVideoPlaying  bool    `json:"isVideoPlaying"`
}

// Event is one server-to-client message, decoded far enough to route.
// Raw carries the full payload for handlers that want more.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Config controls one device connection.
type Config struct {
	URL  string // websocket endpoint, e.g. ws://host:8080/ws
	Role string // controller, display, or admin

	// Force takes over an occupied exclusive slot instead of being
	// rejected.
	Force bool

	// Bounds for the manual reconnection loop. Zero values take the
	// defaults (10 attempts, 3s apart).
	MaxAttempts int
	RetryDelay  time.Duration

	HandshakeTimeout time.Duration

	// Callbacks run on the read loop goroutine. OnEvent sees every
	// server message; the others fire on their specific conditions.
	OnState             func(State)
	OnEvent             func(Event)
	OnRejected          func(reason string)
	OnForceDisconnected func(reason string)
	OnGiveUp            func()
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.MaxAttempts == 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = defaultRetryDelay
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	return out
}

// Client is one device-side session. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	connected bool
	attempts  int
	retry     *time.Timer
	closed    bool
	rejected  bool
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.Role == "" {
		return nil, errors.New("client: Role is required")
	}

	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect dials the coordinator, registers this device's role, and
// requests a full state resync. Once connected, the client keeps
// itself alive through the bounded reconnection loop until Close.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client: closed")
	}
	c.mu.Unlock()

	return c.connect()
}

func (c *Client) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed || c.connected {
		closed := c.closed
		c.mu.Unlock()
		_ = conn.Close()
		if closed {
			return errors.New("client: closed")
		}
		return nil
	}

	c.conn = conn
	c.connected = true
	c.attempts = 0

	// A pending manual-reconnect timer is cancelled the moment a
	// connect succeeds, so attempts never overlap.
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()

	// Register first, then ask for a full snapshot rather than trusting
	// whatever state was cached before the disconnect.
	registerType := "register-device"
	if c.cfg.Force {
		registerType = "force-connect"
	}

	if err := c.emit(map[string]any{"type": registerType, "role": c.cfg.Role}); err != nil {
		return err
	}
	if err := c.emit(map[string]any{"type": "request-current-state"}); err != nil {
		return err
	}

	go c.readLoop(conn)

	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	stop := c.closed || c.rejected
	c.mu.Unlock()

	if !stop {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the manual reconnection timer, giving up after
// the configured attempt cap. Each failed dial re-arms the timer.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()

	if c.closed || c.retry != nil {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.cfg.MaxAttempts {
		c.mu.Unlock()
		if c.cfg.OnGiveUp != nil {
			c.cfg.OnGiveUp()
		}
		return
	}

	c.attempts++

	c.retry = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.mu.Lock()
		c.retry = nil
		c.mu.Unlock()

		if err := c.connect(); err != nil {
			c.scheduleReconnect()
		}
	})

	c.mu.Unlock()
}

func (c *Client) handleMessage(data []byte) {
	var envelope struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "state-update":
		var snapshot State
		if err := json.Unmarshal(data, &snapshot); err == nil {
			c.replaceState(snapshot)
		}

	case "scenario-started":
		var msg struct {
			ScenarioID string `json:"scenarioId"`
			Step       int    `json:"step"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			c.updateState(func(s *State) {
				s.CurrentScenario = &msg.ScenarioID
				s.CurrentStep = msg.Step
				s.IsVideoPlaying = false
			})
		}

	case "step-updated":
		var msg struct {
			StepNumber int `json:"stepNumber"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			c.updateState(func(s *State) {
				s.CurrentStep = msg.StepNumber
				s.IsVideoPlaying = false
			})
		}

	case "play-video":
		var msg struct {
			Step int `json:"step"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			c.updateState(func(s *State) {
				s.CurrentStep = msg.Step
				s.IsVideoPlaying = true
			})
		}

	case "video-status":
		var msg struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			c.updateState(func(s *State) {
				s.IsVideoPlaying = msg.Status == "playing"
			})
		}

	case "demo-reset":
		c.replaceState(State{})

	case "step-jumped":
		var msg struct {
			StepNumber int `json:"stepNumber"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			c.updateState(func(s *State) {
				s.CurrentStep = msg.StepNumber
			})
		}

	case "connection-rejected":
		// Admission conflicts require explicit user action (retry or
		// force-connect); the loop must not hammer an occupied slot.
		c.mu.Lock()
		c.rejected = true
		c.mu.Unlock()

		if c.cfg.OnRejected != nil {
			c.cfg.OnRejected(envelope.Reason)
		}

	case "force-disconnected":
		if c.cfg.OnForceDisconnected != nil {
			c.cfg.OnForceDisconnected(envelope.Reason)
		}
	}

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(Event{Type: envelope.Type, Raw: json.RawMessage(data)})
	}
}

func (c *Client) replaceState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Client) updateState(apply func(*State)) {
	c.mu.Lock()
	apply(&c.state)
	s := c.state
	c.mu.Unlock()

	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// State returns the device's current view.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Connected reports whether the transport is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *Client) emit(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	return conn.WriteJSON(msg)
}

// StartScenario begins the named scenario from step zero.
func (c *Client) StartScenario(scenarioID string) error {
	return c.emit(map[string]any{"type": "start-scenario", "scenarioId": scenarioID})
}

// NextStep advances the demo to stepNumber.
func (c *Client) NextStep(stepNumber int, stepID, interaction string) error {
	return c.emit(map[string]any{
		"type":        "next-step",
		"stepNumber":  stepNumber,
		"stepId":      stepID,
		"interaction": interaction,
	})
}

// PlayVideo triggers a manual video play on the display.
func (c *Client) PlayVideo(videoID string, step int, stepID string) error {
	return c.emit(map[string]any{
		"type":    "play-video-manual",
		"videoId": videoID,
		"step":    step,
		"stepId":  stepID,
	})
}

// VideoStarted reports that playback began on the display.
func (c *Client) VideoStarted(videoID string) error {
	return c.emit(map[string]any{"type": "video-started", "videoId": videoID})
}

// VideoEnded reports that playback finished. With autoProgress the
// server advances to the next step on its own.
func (c *Client) VideoEnded(videoID string, step int, autoProgress bool) error {
	return c.emit(map[string]any{
		"type":         "video-ended",
		"videoId":      videoID,
		"step":         step,
		"autoProgress": autoProgress,
	})
}

// AdminReset returns the demo to its initial state.
func (c *Client) AdminReset() error {
	return c.emit(map[string]any{"type": "admin-reset"})
}

// AdminGotoStep jumps the demo directly to stepNumber.
func (c *Client) AdminGotoStep(stepNumber int) error {
	return c.emit(map[string]any{"type": "admin-goto-step", "stepNumber": stepNumber})
}

// RequestAnalytics asks the server to fan out an analytics-update.
func (c *Client) RequestAnalytics() error {
	return c.emit(map[string]any{"type": "admin-get-analytics"})
}

// RequestCurrentState asks for a full authoritative snapshot.
func (c *Client) RequestCurrentState() error {
	return c.emit(map[string]any{"type": "request-current-state"})
}

// ForceConnect retries registration with takeover after a rejection.
func (c *Client) ForceConnect() error {
	c.mu.Lock()
	c.rejected = false
	c.mu.Unlock()

	return c.emit(map[string]any{"type": "force-connect", "role": c.cfg.Role})
}

// Close tears the session down for good; no reconnection follows.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}
