/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"time"
)

// Role is the functional identity a connection registers as.
type Role string

const (
	RoleController Role = "controller"
	RoleDisplay    Role = "display"
	RoleAdmin      Role = "admin"
	RoleUnassigned Role = ""
)

func (r Role) valid() bool {
	switch r {
	case RoleController, RoleDisplay, RoleAdmin:
		return true
	}
	return false
}

// exclusive roles are limited to a single live connection each;
// any number of admins may observe concurrently.
func (r Role) exclusive() bool {
	return r == RoleController || r == RoleDisplay
}

// ClientCommand covers every message a device may send. Unused fields
// are left at their zero value; AutoProgress defaults to true when the
// sender omits it.
type ClientCommand struct {
	Type         string `json:"type"`
	Role         Role   `json:"role,omitempty"`         // register-device / force-connect
	ScenarioID   string `json:"scenarioId,omitempty"`   // start-scenario
	StepNumber   int    `json:"stepNumber,omitempty"`   // next-step / admin-goto-step
	StepID       string `json:"stepId,omitempty"`       // next-step / play-video-manual
	Interaction  string `json:"interaction,omitempty"`  // next-step
	VideoID      string `json:"videoId,omitempty"`      // play-video-manual / video-started / video-ended
	Step         int    `json:"step,omitempty"`         // play-video-manual / video-ended
	AutoProgress *bool  `json:"autoProgress,omitempty"` // video-ended
}

func (cmd ClientCommand) autoProgress() bool {
	return cmd.AutoProgress == nil || *cmd.AutoProgress
}

// StateUpdateMessage carries the full authoritative snapshot. It is the
// reply to every registration and every request-current-state, so a
// reconnecting device never has to diff against stale local state.
type StateUpdateMessage struct {
	Type string `json:"type"` // "state-update"
	DemoState
}

type ScenarioStartedMessage struct {
	Type       string `json:"type"` // "scenario-started"
	ScenarioID string `json:"scenarioId"`
	Step       int    `json:"step"`
}

type StepUpdatedMessage struct {
	Type                string `json:"type"` // "step-updated"
	StepNumber          int    `json:"stepNumber"`
	StepID              string `json:"stepId,omitempty"`
	Interaction         string `json:"interaction,omitempty"`
	AutoProgressed      bool   `json:"autoProgressed,omitempty"`
	VideoEnded          bool   `json:"videoEnded,omitempty"`
	ReadyForInteraction bool   `json:"readyForInteraction,omitempty"`
}

type PlayVideoMessage struct {
	Type    string `json:"type"` // "play-video"
	VideoID string `json:"videoId"`
	Step    int    `json:"step"`
	StepID  string `json:"stepId,omitempty"`
}

type VideoStatusMessage struct {
	Type    string `json:"type"`   // "video-status"
	Status  string `json:"status"` // "playing" or "ended"
	VideoID string `json:"videoId,omitempty"`
	Step    int    `json:"step,omitempty"`
}

type DemoResetMessage struct {
	Type string `json:"type"` // "demo-reset"
}

type StepJumpedMessage struct {
	Type       string `json:"type"` // "step-jumped"
	StepNumber int    `json:"stepNumber"`
}

// ConnectionRejectedMessage is sent to a single client whose exclusive
// role slot is already held, before its session is closed.
type ConnectionRejectedMessage struct {
	Type       string `json:"type"` // "connection-rejected"
	Reason     string `json:"reason"`
	DeviceType Role   `json:"deviceType"`
}

// ForceDisconnectedMessage is the eviction notice delivered to a slot
// holder displaced by a force-connect.
type ForceDisconnectedMessage struct {
	Type   string `json:"type"` // "force-disconnected"
	Reason string `json:"reason"`
}

type ForceConnectSuccessMessage struct {
	Type string `json:"type"` // "force-connect-success"
	Role Role   `json:"role"`
}

// DeviceConnectedMessage / DeviceDisconnectedMessage are roster deltas
// fanned out to admin connections only.
type DeviceConnectedMessage struct {
	Type        string    `json:"type"` // "device-connected"
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type DeviceDisconnectedMessage struct {
	Type         string `json:"type"` // "device-disconnected"
	ConnectionID string `json:"connectionId"`
	Role         Role   `json:"role"`
}

type AnalyticsUpdateMessage struct {
	Type string          `json:"type"` // "analytics-update"
	Data AnalyticsReport `json:"data"`
}
