package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a declarative description of one train pass: the sessions
// and queue to build, the verdicts the checker will hand out, and the
// expected accounting afterwards.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Sessions []SessionSpec `yaml:"sessions"`
	Queue    []QueueSpec   `yaml:"queue"`

	// Verdicts scripts the validator per session. Sessions without an
	// entry here pass their check.
	Verdicts map[string]VerdictSpec `yaml:"verdicts"`

	// InfraFailures lists sessions whose check infrastructure fails
	// outright (the entry is blocked, not kicked).
	InfraFailures []string `yaml:"infra_failures"`

	// MergeFailures lists sessions whose merge step fails after a passing
	// check (the entry is kicked).
	MergeFailures []string `yaml:"merge_failures"`

	Expect Expect `yaml:"expect"`
}

// SessionSpec declares one session to create before the pass.
type SessionSpec struct {
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
}

// QueueSpec declares one queue submission before the pass.
type QueueSpec struct {
	Session string `yaml:"session"`
	Draft   bool   `yaml:"draft"`
	// Blocked pre-blocks the entry (driven through the legal
	// ready -> checking -> blocked chain before the pass).
	Blocked bool   `yaml:"blocked"`
	Detail  string `yaml:"detail"`
}

// VerdictSpec scripts one check result.
type VerdictSpec struct {
	Passed bool   `yaml:"passed"`
	Detail string `yaml:"detail"`
}

// Expect is the asserted accounting for the pass.
type Expect struct {
	Merged         int      `yaml:"merged"`
	Kicked         int      `yaml:"kicked"`
	Blocked        int      `yaml:"blocked"`
	StillActive    int      `yaml:"still_active"`
	KickedSessions []string `yaml:"kicked_sessions"`
}

// LoadScenario reads and validates a scenario YAML file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := sc.validate(); err != nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

func (sc Scenario) validate() error {
	if sc.Name == "" {
		return fmt.Errorf("missing name")
	}

	sessions := map[string]bool{}
	for _, s := range sc.Sessions {
		if s.Name == "" {
			return fmt.Errorf("session with empty name")
		}
		if sessions[s.Name] {
			return fmt.Errorf("duplicate session %s", s.Name)
		}
		sessions[s.Name] = true
	}

	for _, q := range sc.Queue {
		if !sessions[q.Session] {
			return fmt.Errorf("queue references unknown session %s", q.Session)
		}
		if q.Draft && q.Blocked {
			return fmt.Errorf("entry %s cannot be both draft and blocked", q.Session)
		}
	}
	return nil
}
