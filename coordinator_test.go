package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	cfg := &Config{maxStep: 50}
	stats := newAnalyticsStore(cfg, "")
	t.Cleanup(func() { _ = stats.Close() })

	return newCoordinator(cfg, nil, stats)
}

// attach wires a fake connection straight into the coordinator, the
// way the run loop would on transport connect.
func attach(co *Coordinator, id string) *Client {
	c := testClient(id)
	c.connectedAt = time.Now()
	co.clients[c] = true

	return c
}

func attachAs(t *testing.T, co *Coordinator, id string, role Role) *Client {
	t.Helper()

	c := attach(co, id)
	co.dispatch(inboundCommand{client: c, cmd: ClientCommand{Type: "register-device", Role: role}})
	drain(c)

	return c
}

// drain empties a client's send queue without blocking.
func drain(c *Client) []any {
	var out []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestCoordinatorRegisterRepliesWithSnapshot(t *testing.T) {
	co := testCoordinator(t)

	c := attach(co, "tablet")
	co.dispatch(inboundCommand{client: c, cmd: ClientCommand{Type: "register-device", Role: RoleController}})

	msgs := drain(c)
	require.Len(t, msgs, 1)

	update, ok := msgs[0].(StateUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, "state-update", update.Type)
	assert.Equal(t, initialDemoState(), update.DemoState)

	assert.Same(t, c, co.registry.holder(RoleController))
}

func TestCoordinatorRegisterNotifiesAdmins(t *testing.T) {
	co := testCoordinator(t)

	admin := attachAs(t, co, "panel", RoleAdmin)

	attachAs(t, co, "tablet", RoleController)

	msgs := drain(admin)
	require.Len(t, msgs, 1)

	delta, ok := msgs[0].(DeviceConnectedMessage)
	require.True(t, ok)
	assert.Equal(t, "tablet", delta.ID)
	assert.Equal(t, RoleController, delta.Role)
}

func TestCoordinatorAdmissionConflictAndTakeover(t *testing.T) {
	co := testCoordinator(t)

	first := attachAs(t, co, "tablet-1", RoleController)

	second := attach(co, "tablet-2")
	co.dispatch(inboundCommand{client: second, cmd: ClientCommand{Type: "register-device", Role: RoleController}})

	msgs := drain(second)
	require.Len(t, msgs, 1)

	rejected, ok := msgs[0].(ConnectionRejectedMessage)
	require.True(t, ok)
	assert.Equal(t, "Maximum controllers currently open", rejected.Reason)
	assert.Equal(t, RoleController, rejected.DeviceType)
	assert.Same(t, first, co.registry.holder(RoleController))

	// The rejected device escalates to a forced takeover.
	co.dispatch(inboundCommand{client: second, cmd: ClientCommand{Type: "force-connect", Role: RoleController}})

	evictedMsgs := drain(first)
	require.Len(t, evictedMsgs, 1)

	eviction, ok := evictedMsgs[0].(ForceDisconnectedMessage)
	require.True(t, ok)
	assert.NotEmpty(t, eviction.Reason)
	assert.False(t, co.clients[first])

	msgs = drain(second)
	require.Len(t, msgs, 2)

	success, ok := msgs[0].(ForceConnectSuccessMessage)
	require.True(t, ok)
	assert.Equal(t, RoleController, success.Role)

	update, ok := msgs[1].(StateUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, co.machine.snapshot(), update.DemoState)

	assert.Same(t, second, co.registry.holder(RoleController))
}

func TestCoordinatorStartScenarioBroadcastsGlobally(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)
	display := attachAs(t, co, "tv", RoleDisplay)
	admin := attachAs(t, co, "panel", RoleAdmin)
	drain(admin) // roster deltas

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "scenario1"}})

	for _, c := range []*Client{controller, display, admin} {
		msgs := drain(c)
		require.Len(t, msgs, 1)

		started, ok := msgs[0].(ScenarioStartedMessage)
		require.True(t, ok)
		assert.Equal(t, "scenario1", started.ScenarioID)
		assert.Equal(t, 0, started.Step)
	}

	state := co.machine.snapshot()
	require.NotNil(t, state.CurrentScenario)
	assert.Equal(t, "scenario1", *state.CurrentScenario)
}

func TestCoordinatorStartScenarioWithoutIDIsDropped(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "start-scenario"}})

	assert.Empty(t, drain(controller))
	assert.Nil(t, co.machine.snapshot().CurrentScenario)
}

func TestCoordinatorNextStep(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)
	display := attachAs(t, co, "tv", RoleDisplay)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "scenario1"}})
	drain(controller)
	drain(display)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{
		Type:       "next-step",
		StepNumber: 1,
		StepID:     "step2",
	}})

	msgs := drain(display)
	require.Len(t, msgs, 1)

	updated, ok := msgs[0].(StepUpdatedMessage)
	require.True(t, ok)
	assert.Equal(t, 1, updated.StepNumber)
	assert.Equal(t, "step2", updated.StepID)

	state := co.machine.snapshot()
	assert.Equal(t, 1, state.CurrentStep)
	assert.False(t, state.IsVideoPlaying)
}

func TestCoordinatorNextStepOutOfBounds(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)
	display := attachAs(t, co, "tv", RoleDisplay)

	before := co.machine.snapshot()

	// Rejected silently: no state change, no broadcast, nothing for
	// the client beyond the absence of an update.
	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 50}})

	assert.Empty(t, drain(controller))
	assert.Empty(t, drain(display))
	assert.Equal(t, before, co.machine.snapshot())
}

func TestCoordinatorNextStepIdempotent(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 3}})
	first := drain(controller)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 3}})
	second := drain(controller)

	// Replaying the same step is harmless: same state, same broadcast.
	assert.Equal(t, first, second)
	assert.Equal(t, 3, co.machine.snapshot().CurrentStep)
}

func TestCoordinatorManualVideoPlay(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)
	display := attachAs(t, co, "tv", RoleDisplay)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{
		Type:    "play-video-manual",
		VideoID: "vid1",
		Step:    2,
	}})

	msgs := drain(display)
	require.Len(t, msgs, 1)

	play, ok := msgs[0].(PlayVideoMessage)
	require.True(t, ok)
	assert.Equal(t, "vid1", play.VideoID)
	assert.Equal(t, 2, play.Step)

	assert.True(t, co.machine.snapshot().IsVideoPlaying)
}

func TestCoordinatorVideoStarted(t *testing.T) {
	co := testCoordinator(t)

	display := attachAs(t, co, "tv", RoleDisplay)

	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "video-started", VideoID: "vid1"}})

	msgs := drain(display)
	require.Len(t, msgs, 1)

	status, ok := msgs[0].(VideoStatusMessage)
	require.True(t, ok)
	assert.Equal(t, "playing", status.Status)
	assert.True(t, co.machine.snapshot().IsVideoPlaying)
}

func TestCoordinatorVideoEndedAutoProgress(t *testing.T) {
	co := testCoordinator(t)

	display := attachAs(t, co, "tv", RoleDisplay)

	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "s1"}})
	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "next-step", StepNumber: 4}})
	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "video-started", VideoID: "vid1"}})
	drain(display)

	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{
		Type:    "video-ended",
		VideoID: "vid1",
		Step:    4,
	}})

	msgs := drain(display)
	require.Len(t, msgs, 2)

	status, ok := msgs[0].(VideoStatusMessage)
	require.True(t, ok)
	assert.Equal(t, "ended", status.Status)

	updated, ok := msgs[1].(StepUpdatedMessage)
	require.True(t, ok)
	assert.Equal(t, 5, updated.StepNumber)
	assert.True(t, updated.AutoProgressed)

	state := co.machine.snapshot()
	assert.Equal(t, 5, state.CurrentStep)
	assert.False(t, state.IsVideoPlaying)
}

func TestCoordinatorVideoEndedWithoutAutoProgress(t *testing.T) {
	co := testCoordinator(t)

	display := attachAs(t, co, "tv", RoleDisplay)

	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "s1"}})
	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "next-step", StepNumber: 4}})
	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{Type: "video-started", VideoID: "vid1"}})
	drain(display)

	noProgress := false
	co.dispatch(inboundCommand{client: display, cmd: ClientCommand{
		Type:         "video-ended",
		VideoID:      "vid1",
		Step:         4,
		AutoProgress: &noProgress,
	}})

	msgs := drain(display)
	require.Len(t, msgs, 3)

	status, ok := msgs[0].(VideoStatusMessage)
	require.True(t, ok)
	assert.Equal(t, "ended", status.Status)

	update, ok := msgs[1].(StateUpdateMessage)
	require.True(t, ok)
	assert.False(t, update.IsVideoPlaying)

	// The step does not move, but the controller learns the step is
	// actionable again.
	ready, ok := msgs[2].(StepUpdatedMessage)
	require.True(t, ok)
	assert.Equal(t, 4, ready.StepNumber)
	assert.True(t, ready.VideoEnded)
	assert.True(t, ready.ReadyForInteraction)

	state := co.machine.snapshot()
	assert.Equal(t, 4, state.CurrentStep)
	assert.False(t, state.IsVideoPlaying)
}

func TestCoordinatorAdminResetPreservesRegistry(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)
	admin := attachAs(t, co, "panel", RoleAdmin)
	drain(admin)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "s1"}})
	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 2}})
	drain(controller)
	drain(admin)

	co.dispatch(inboundCommand{client: admin, cmd: ClientCommand{Type: "admin-reset"}})

	for _, c := range []*Client{controller, admin} {
		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.IsType(t, DemoResetMessage{}, msgs[0])
	}

	assert.Equal(t, initialDemoState(), co.machine.snapshot())

	// Connections survive a reset; only program state is cleared.
	assert.Same(t, controller, co.registry.holder(RoleController))
	assert.True(t, co.clients[controller])
}

func TestCoordinatorAdminGotoStep(t *testing.T) {
	co := testCoordinator(t)

	admin := attachAs(t, co, "panel", RoleAdmin)
	drain(admin)

	co.dispatch(inboundCommand{client: admin, cmd: ClientCommand{Type: "admin-goto-step", StepNumber: 70}})

	msgs := drain(admin)
	require.Len(t, msgs, 1)

	jumped, ok := msgs[0].(StepJumpedMessage)
	require.True(t, ok)
	assert.Equal(t, 70, jumped.StepNumber)
	assert.Equal(t, 70, co.machine.snapshot().CurrentStep)

	co.dispatch(inboundCommand{client: admin, cmd: ClientCommand{Type: "admin-goto-step", StepNumber: -1}})
	assert.Empty(t, drain(admin))
	assert.Equal(t, 70, co.machine.snapshot().CurrentStep)
}

func TestCoordinatorRequestCurrentState(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "s1"}})
	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 3}})
	drain(controller)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "request-current-state"}})

	msgs := drain(controller)
	require.Len(t, msgs, 1)

	update, ok := msgs[0].(StateUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, co.machine.snapshot(), update.DemoState)
}

func TestCoordinatorUnknownCommandIgnored(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "self-destruct"}})

	assert.Empty(t, drain(controller))
	assert.Equal(t, initialDemoState(), co.machine.snapshot())
}

func TestCoordinatorDisconnectNotifiesAdmins(t *testing.T) {
	co := testCoordinator(t)

	controller := attachAs(t, co, "tablet", RoleController)
	admin := attachAs(t, co, "panel", RoleAdmin)
	drain(admin)

	co.handleDisconnect(controller)

	msgs := drain(admin)
	require.Len(t, msgs, 1)

	delta, ok := msgs[0].(DeviceDisconnectedMessage)
	require.True(t, ok)
	assert.Equal(t, "tablet", delta.ConnectionID)
	assert.Equal(t, RoleController, delta.Role)

	assert.Nil(t, co.registry.holder(RoleController))

	// A second disconnect for the same client is a no-op.
	co.handleDisconnect(controller)
	assert.Empty(t, drain(admin))
}

func TestCoordinatorCompletionRecording(t *testing.T) {
	cfg := &Config{maxStep: 50}

	stats := newAnalyticsStore(cfg, filepath.Join(t.TempDir(), "analytics.db"))
	t.Cleanup(func() { _ = stats.Close() })
	require.False(t, stats.Offline())

	scripts := ScenarioScripts{
		"scenario1": {
			ID: "scenario1",
			Steps: []ScenarioStep{
				{ID: "step1", Type: "interaction", NextStep: "step2"},
				{ID: "step2", Type: "video", VideoAsset: "vid1", NextStep: "step3"},
				{ID: "step3", Type: "completion"},
			},
		},
	}

	co := newCoordinator(cfg, scripts, stats)
	controller := attachAs(t, co, "tablet", RoleController)

	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "start-scenario", ScenarioID: "scenario1"}})
	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 1}})
	co.dispatch(inboundCommand{client: controller, cmd: ClientCommand{Type: "next-step", StepNumber: 2}})

	// Recording happens off-loop, so give the writes a moment.
	require.Eventually(t, func() bool {
		report := stats.Report()
		stat := report.ScenarioStats["scenario1"]
		return stat.Starts == 1 && stat.Completions == 1
	}, 2*time.Second, 10*time.Millisecond)
}
