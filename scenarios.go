/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

const stepTypeCompletion = "completion"

// ScenarioStep mirrors one entry of the scripted demo flow. The
// coordinator never mutates scripts; it only reads them to recognize
// completion steps. Everything else in a step belongs to the clients.
type ScenarioStep struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	VideoAsset string `json:"videoAsset,omitempty"`
	NextStep   string `json:"nextStep,omitempty"`
}

type Scenario struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	TotalSteps int            `json:"totalSteps,omitempty"`
	Steps      []ScenarioStep `json:"steps"`
}

// ScenarioScripts is the full script file, keyed by scenario ID.
type ScenarioScripts map[string]Scenario

// loadScenarios reads the script file. A missing path is not an error;
// the coordinator then falls back to bounds-only validation and skips
// completion tracking.
func loadScenarios(path string) (ScenarioScripts, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario scripts: %w", err)
	}

	var scripts ScenarioScripts
	if err := json.Unmarshal(data, &scripts); err != nil {
		return nil, fmt.Errorf("failed to parse scenario scripts: %w", err)
	}

	return scripts, nil
}

// isCompletionStep reports whether stepNumber lands on a completion-type
// step of the named scenario. Unknown scenarios and out-of-range steps
// are simply not completions.
func (s ScenarioScripts) isCompletionStep(scenarioID string, stepNumber int) bool {
	if s == nil {
		return false
	}

	scenario, ok := s[scenarioID]
	if !ok {
		return false
	}

	if stepNumber < 0 || stepNumber >= len(scenario.Steps) {
		return false
	}

	return scenario.Steps[stepNumber].Type == stepTypeCompletion
}
