/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Showsync session coordinator
//
// One booth installation runs exactly one coordinator. A tablet
// registers as the controller and drives scripted scenarios; a TV
// registers as the display and renders them; any number of admin
// panels observe and override.
//
// Everything mutable lives behind a single event loop:
// - Device registry: one live connection per exclusive role, with
//   admin-authorized forced takeover
// - Demo state machine: the canonical scenario/step/video record
// - Fan-out: each command is validated, applied, and broadcast within
//   one synchronous handler, so every device observes transitions in
//   server arrival order
//
// Registration always answers with the full state snapshot, so a
// reconnecting device replaces its view wholesale instead of diffing.

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Client is one live transport session. The id is minted per
// connection; the role stays unassigned until an explicit
// register-device or force-connect.
type Client struct {
	conn        *websocket.Conn
	send        chan any
	id          string
	role        Role
	connectedAt time.Time
	lastActive  time.Time
}

type inboundCommand struct {
	client *Client
	cmd    ClientCommand
}

// broadcast is one delivery instruction produced by a command handler.
// Handlers return instructions instead of emitting ad hoc, which keeps
// them testable without a live transport.
type broadcast struct {
	role   Role // deliver to this role only, when client is nil
	client *Client
	msg    any
}

func global(msg any) broadcast {
	return broadcast{msg: msg}
}

func toRole(role Role, msg any) broadcast {
	return broadcast{role: role, msg: msg}
}

func toClient(c *Client, msg any) broadcast {
	return broadcast{client: c, msg: msg}
}

// Coordinator owns the demo state and the device roster. All mutation
// is funneled through run's select loop, so handlers never race and
// mutation plus broadcast is atomic per event.
type Coordinator struct {
	cfg      *Config
	registry *deviceRegistry
	machine  *demoMachine
	scripts  ScenarioScripts
	stats    *AnalyticsStore

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	commands   chan inboundCommand
	tasks      chan func()

	// closed when run exits, releasing any goroutine still trying to
	// hand work to the loop
	done chan struct{}
}

func newCoordinator(cfg *Config, scripts ScenarioScripts, stats *AnalyticsStore) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		registry:   newDeviceRegistry(),
		machine:    newDemoMachine(cfg.maxStep),
		scripts:    scripts,
		stats:      stats,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan inboundCommand),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
	}
}

// commandHandlers is the full dispatch table. Unknown command types are
// dropped in dispatch.
var commandHandlers = map[string]func(*Coordinator, *Client, ClientCommand) []broadcast{
	"register-device":       (*Coordinator).handleRegisterDevice,
	"force-connect":         (*Coordinator).handleForceConnect,
	"start-scenario":        (*Coordinator).handleStartScenario,
	"next-step":             (*Coordinator).handleNextStep,
	"play-video-manual":     (*Coordinator).handlePlayVideoManual,
	"video-started":         (*Coordinator).handleVideoStarted,
	"video-ended":           (*Coordinator).handleVideoEnded,
	"admin-reset":           (*Coordinator).handleAdminReset,
	"admin-goto-step":       (*Coordinator).handleAdminGotoStep,
	"admin-get-analytics":   (*Coordinator).handleAdminGetAnalytics,
	"request-current-state": (*Coordinator).handleRequestCurrentState,
}

func (co *Coordinator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(co.done)
			for c := range co.clients {
				delete(co.clients, c)
				close(c.send)
			}
			return

		case c := <-co.register:
			co.clients[c] = true
			logf(co.cfg, "RELAY: Device connected: %s", c.id)

		case c := <-co.unregister:
			co.handleDisconnect(c)

		case in := <-co.commands:
			co.dispatch(in)

		case fn := <-co.tasks:
			fn()
		}
	}
}

func (co *Coordinator) dispatch(in inboundCommand) {
	if !co.clients[in.client] {
		return
	}

	in.client.lastActive = time.Now()

	handler, ok := commandHandlers[in.cmd.Type]
	if !ok {
		logf(co.cfg, "RELAY: Ignoring unknown command %q from %s", in.cmd.Type, in.client.id)
		return
	}

	co.deliver(handler(co, in.client, in.cmd))
}

func (co *Coordinator) handleDisconnect(c *Client) {
	if _, ok := co.clients[c]; !ok {
		return
	}

	delete(co.clients, c)
	close(c.send)

	logf(co.cfg, "RELAY: Device disconnected: %s (%s)", c.id, c.role)

	// Clears the slot only while c still holds it, so a stale
	// disconnect cannot knock out a takeover's new holder.
	co.registry.unregister(c)

	if c.role.valid() {
		co.deliver([]broadcast{
			toRole(RoleAdmin, DeviceDisconnectedMessage{
				Type:         "device-disconnected",
				ConnectionID: c.id,
				Role:         c.role,
			}),
		})
	}
}

// deliver sends each instruction to its audience. Clients that cannot
// keep up are dropped rather than allowed to stall the loop.
func (co *Coordinator) deliver(broadcasts []broadcast) {
	for _, b := range broadcasts {
		if b.client != nil {
			if co.clients[b.client] {
				co.sendOrDrop(b.client, b.msg)
			}
			continue
		}

		for client := range co.clients {
			if b.role != RoleUnassigned && client.role != b.role {
				continue
			}
			co.sendOrDrop(client, b.msg)
		}
	}
}

func (co *Coordinator) sendOrDrop(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(co.clients, c)
		close(c.send)
		co.registry.unregister(c)
	}
}

// evict notifies and removes a displaced slot holder. It runs before
// the new registration is recorded, so there is no window where two
// connections hold the same exclusive role.
func (co *Coordinator) evict(c *Client, reason string) {
	if !co.clients[c] {
		return
	}

	select {
	case c.send <- ForceDisconnectedMessage{
		Type:   "force-disconnected",
		Reason: reason,
	}:
	default:
	}

	delete(co.clients, c)
	close(c.send)

	logf(co.cfg, "RELAY: Evicted %s from %s slot", c.id, c.role)

	co.deliver([]broadcast{
		toRole(RoleAdmin, DeviceDisconnectedMessage{
			Type:         "device-disconnected",
			ConnectionID: c.id,
			Role:         c.role,
		}),
	})
}

func (co *Coordinator) snapshotMessage() StateUpdateMessage {
	return StateUpdateMessage{
		Type:      "state-update",
		DemoState: co.machine.snapshot(),
	}
}

func (co *Coordinator) rosterDelta(c *Client) broadcast {
	return toRole(RoleAdmin, DeviceConnectedMessage{
		Type:        "device-connected",
		ID:          c.id,
		Role:        c.role,
		ConnectedAt: c.connectedAt,
	})
}

func (co *Coordinator) handleRegisterDevice(c *Client, cmd ClientCommand) []broadcast {
	// Re-registering under a new role releases any slot held so far.
	if c.role.exclusive() && c.role != cmd.Role {
		co.registry.unregister(c)
	}

	if err := co.registry.register(c, cmd.Role); err != nil {
		logf(co.cfg, "RELAY: Rejected %s registration for %s: %v", cmd.Role, c.id, err)

		return []broadcast{
			toClient(c, ConnectionRejectedMessage{
				Type:       "connection-rejected",
				Reason:     err.Error(),
				DeviceType: cmd.Role,
			}),
		}
	}

	logf(co.cfg, "RELAY: Device %s registered as %s", c.id, c.role)

	return []broadcast{
		toClient(c, co.snapshotMessage()),
		co.rosterDelta(c),
	}
}

func (co *Coordinator) handleForceConnect(c *Client, cmd ClientCommand) []broadcast {
	evicted, err := co.registry.forceRegister(c, cmd.Role)
	if err != nil {
		logf(co.cfg, "RELAY: Rejected force-connect for %s: %v", c.id, err)

		return []broadcast{
			toClient(c, ConnectionRejectedMessage{
				Type:       "connection-rejected",
				Reason:     err.Error(),
				DeviceType: cmd.Role,
			}),
		}
	}

	if evicted != nil {
		co.evict(evicted, "Another device has taken over this "+string(cmd.Role)+" session.")
	}

	logf(co.cfg, "RELAY: Device %s force-connected as %s", c.id, c.role)

	return []broadcast{
		toClient(c, ForceConnectSuccessMessage{
			Type: "force-connect-success",
			Role: c.role,
		}),
		toClient(c, co.snapshotMessage()),
		co.rosterDelta(c),
	}
}

func (co *Coordinator) handleStartScenario(c *Client, cmd ClientCommand) []broadcast {
	if cmd.ScenarioID == "" {
		logf(co.cfg, "RELAY: Ignoring start-scenario without scenario id from %s", c.id)
		return nil
	}

	co.machine.startScenario(cmd.ScenarioID)

	logf(co.cfg, "RELAY: Starting scenario %s", cmd.ScenarioID)

	co.recordAsync(cmd.ScenarioID, co.stats.RecordStart)

	return []broadcast{
		global(ScenarioStartedMessage{
			Type:       "scenario-started",
			ScenarioID: cmd.ScenarioID,
			Step:       0,
		}),
	}
}

func (co *Coordinator) handleNextStep(c *Client, cmd ClientCommand) []broadcast {
	if !co.machine.advanceStep(cmd.StepNumber) {
		logf(co.cfg, "RELAY: Invalid step number %d from %s", cmd.StepNumber, c.id)
		return nil
	}

	co.noteCompletion()

	return []broadcast{
		global(StepUpdatedMessage{
			Type:        "step-updated",
			StepNumber:  cmd.StepNumber,
			StepID:      cmd.StepID,
			Interaction: cmd.Interaction,
		}),
	}
}

func (co *Coordinator) handlePlayVideoManual(c *Client, cmd ClientCommand) []broadcast {
	co.machine.beginVideo()

	logf(co.cfg, "RELAY: Manual video play: %s", cmd.VideoID)

	return []broadcast{
		global(PlayVideoMessage{
			Type:    "play-video",
			VideoID: cmd.VideoID,
			Step:    cmd.Step,
			StepID:  cmd.StepID,
		}),
	}
}

func (co *Coordinator) handleVideoStarted(c *Client, cmd ClientCommand) []broadcast {
	co.machine.beginVideo()

	return []broadcast{
		global(VideoStatusMessage{
			Type:    "video-status",
			Status:  "playing",
			VideoID: cmd.VideoID,
		}),
	}
}

func (co *Coordinator) handleVideoEnded(c *Client, cmd ClientCommand) []broadcast {
	ended := VideoStatusMessage{
		Type:    "video-status",
		Status:  "ended",
		VideoID: cmd.VideoID,
		Step:    cmd.Step,
	}

	if !cmd.autoProgress() {
		// Pure status change: the step stays put, and the controller
		// is told the step is now actionable.
		co.machine.videoEnded(false)

		return []broadcast{
			global(ended),
			global(co.snapshotMessage()),
			global(StepUpdatedMessage{
				Type:                "step-updated",
				StepNumber:          co.machine.snapshot().CurrentStep,
				VideoEnded:          true,
				ReadyForInteraction: true,
			}),
		}
	}

	advanced := co.machine.videoEnded(true)
	if !advanced {
		logf(co.cfg, "RELAY: Video ended but next step is out of bounds")

		return []broadcast{global(ended)}
	}

	co.noteCompletion()

	return []broadcast{
		global(ended),
		global(StepUpdatedMessage{
			Type:           "step-updated",
			StepNumber:     co.machine.snapshot().CurrentStep,
			AutoProgressed: true,
		}),
	}
}

func (co *Coordinator) handleAdminReset(c *Client, cmd ClientCommand) []broadcast {
	co.machine.reset()

	logf(co.cfg, "RELAY: Admin reset triggered by %s", c.id)

	return []broadcast{
		global(DemoResetMessage{Type: "demo-reset"}),
	}
}

func (co *Coordinator) handleAdminGotoStep(c *Client, cmd ClientCommand) []broadcast {
	if !co.machine.gotoStep(cmd.StepNumber) {
		logf(co.cfg, "RELAY: Invalid goto-step %d from %s", cmd.StepNumber, c.id)
		return nil
	}

	logf(co.cfg, "RELAY: Admin jump to step %d", cmd.StepNumber)

	return []broadcast{
		global(StepJumpedMessage{
			Type:       "step-jumped",
			StepNumber: cmd.StepNumber,
		}),
	}
}

func (co *Coordinator) handleAdminGetAnalytics(c *Client, cmd ClientCommand) []broadcast {
	// The store may touch disk, so the report is assembled off-loop and
	// fanned out to admins once ready.
	go func() {
		report := co.stats.Report()

		select {
		case co.tasks <- func() {
			co.deliver([]broadcast{
				toRole(RoleAdmin, AnalyticsUpdateMessage{
					Type: "analytics-update",
					Data: report,
				}),
			})
		}:
		default:
			logf(co.cfg, "STATS: Dropped analytics update, coordinator busy")
		}
	}()

	return nil
}

func (co *Coordinator) handleRequestCurrentState(c *Client, cmd ClientCommand) []broadcast {
	return []broadcast{
		toClient(c, co.snapshotMessage()),
	}
}

// noteCompletion records a completion when the current step lands on a
// completion-type script step. Recording is fire-and-forget.
func (co *Coordinator) noteCompletion() {
	state := co.machine.snapshot()
	if state.CurrentScenario == nil {
		return
	}

	if co.scripts.isCompletionStep(*state.CurrentScenario, state.CurrentStep) {
		logf(co.cfg, "RELAY: Scenario %s completed", *state.CurrentScenario)
		co.recordAsync(*state.CurrentScenario, co.stats.RecordCompletion)
	}
}

// recordAsync runs one analytics write off-loop. Failures are logged
// and have no effect on demo state; the store flips itself offline.
func (co *Coordinator) recordAsync(scenarioID string, record func(string) error) {
	go func() {
		if err := record(scenarioID); err != nil {
			logf(co.cfg, "STATS: %v", err)
		}
	}()
}

type statusSnapshot struct {
	state     DemoState
	connected map[Role]bool
	clients   int
}

// Snapshot reads coordinator state from outside the loop, for the HTTP
// API. The read itself runs on the loop, keeping single-writer rules.
func (co *Coordinator) Snapshot() statusSnapshot {
	reply := make(chan statusSnapshot, 1)

	select {
	case co.tasks <- func() {
		reply <- statusSnapshot{
			state:     co.machine.snapshot(),
			connected: co.registry.connected(),
			clients:   len(co.clients),
		}
	}:
	case <-co.done:
		return statusSnapshot{connected: map[Role]bool{}}
	}

	select {
	case snap := <-reply:
		return snap
	case <-co.done:
		return statusSnapshot{connected: map[Role]bool{}}
	}
}

// Reset performs an admin reset on behalf of the HTTP API and returns
// once the demo-reset broadcast has been handed to every send queue.
func (co *Coordinator) Reset() {
	applied := make(chan struct{})

	select {
	case co.tasks <- func() {
		co.machine.reset()
		co.deliver([]broadcast{global(DemoResetMessage{Type: "demo-reset"})})
		close(applied)
	}:
	case <-co.done:
		return
	}

	select {
	case <-applied:
	case <-co.done:
	}
}

func newConnectionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}

	return hex.EncodeToString(buf)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades a device connection and attaches it to the
// coordinator. Roles are assigned later by register-device.
func serveWS(co *Coordinator) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := newConnectionID()
		if id == "" {
			http.Error(w, "unable to assign connection id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		now := time.Now()
		client := &Client{
			conn:        conn,
			send:        make(chan any, 8),
			id:          id,
			connectedAt: now,
			lastActive:  now,
		}

		select {
		case co.register <- client:
		case <-co.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(co)
	}
}

func (c *Client) readPump(co *Coordinator) {
	defer func() {
		select {
		case co.unregister <- c:
		case <-co.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var cmd ClientCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			return
		}

		select {
		case co.commands <- inboundCommand{client: c, cmd: cmd}:
		case <-co.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
