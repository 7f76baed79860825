/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

// DemoState is the single canonical record of what the kiosk is showing.
// Exactly one exists per process, owned by the coordinator loop; every
// connected device observes it through broadcasts, never a private copy.
type DemoState struct {
	CurrentScenario *string `json:"currentScenario"`
	CurrentStep     int     `json:"currentStep"`
	IsVideoPlaying  bool    `json:"isVideoPlaying"`
}

func initialDemoState() DemoState {
	return DemoState{
		CurrentScenario: nil,
		CurrentStep:     0,
		IsVideoPlaying:  false,
	}
}

// demoMachine applies validated transitions to the canonical state.
// maxStep is a defensive sanity ceiling on step numbers, not tied to any
// actual scenario length.
type demoMachine struct {
	state   DemoState
	maxStep int
}

func newDemoMachine(maxStep int) *demoMachine {
	return &demoMachine{
		state:   initialDemoState(),
		maxStep: maxStep,
	}
}

func (m *demoMachine) snapshot() DemoState {
	return m.state
}

// startScenario is valid from any prior state; restarting mid-scenario
// simply overwrites.
func (m *demoMachine) startScenario(scenarioID string) {
	m.state.CurrentScenario = &scenarioID
	m.state.CurrentStep = 0
	m.state.IsVideoPlaying = false
}

// advanceStep moves to stepNumber if it is within [0, maxStep).
// Out-of-bound requests leave the state unchanged and report false;
// the caller logs and stays silent toward the client.
func (m *demoMachine) advanceStep(stepNumber int) bool {
	if stepNumber < 0 || stepNumber >= m.maxStep {
		return false
	}

	m.state.CurrentStep = stepNumber
	m.state.IsVideoPlaying = false

	return true
}

// beginVideo marks a video as playing. Videos never start on their own;
// this only happens on an explicit manual-play command or a display's
// video-started report.
func (m *demoMachine) beginVideo() {
	m.state.IsVideoPlaying = true
}

// videoEnded clears the playing flag. With autoProgress it additionally
// advances to the next step, subject to the same bound as advanceStep;
// it reports whether a step change happened.
func (m *demoMachine) videoEnded(autoProgress bool) bool {
	m.state.IsVideoPlaying = false

	if !autoProgress {
		return false
	}

	return m.advanceStep(m.state.CurrentStep + 1)
}

// reset returns program state to its initial values. Device slots are
// untouched; connections survive a reset.
func (m *demoMachine) reset() {
	m.state = initialDemoState()
}

// gotoStep is the admin override. The admin is trusted relative to
// scenario length, so only non-negative integers are enforced.
func (m *demoMachine) gotoStep(stepNumber int) bool {
	if stepNumber < 0 {
		return false
	}

	m.state.CurrentStep = stepNumber

	return true
}
