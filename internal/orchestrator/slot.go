package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensprint/opensprint/internal/project"
)

// Phase is the pipeline step a slot is in.
type Phase string

const (
	PhaseCoding Phase = "coding"
	PhaseReview Phase = "review"
	PhaseMerge  Phase = "merge"
)

// Slot is the runtime execution context of one admitted task. It lives from
// admission to terminal outcome and is owned by the scheduler.
type Slot struct {
	ID      string
	TaskID  string
	Attempt int

	AgentConfig  project.AgentConfig
	AgentType    string // simple or complex
	WorktreePath string // repo path in single-checkout mode
	Branch       string
	Scope        []string

	StartedAt time.Time

	mu                 sync.Mutex
	phase              Phase
	infraRetries       int
	output             strings.Builder
	killedDueToTimeout bool

	// cancel kills the running agent; the watchdog arms it.
	cancel context.CancelFunc

	// watchdog fires after the inactivity window without output.
	watchdog *time.Timer
}

func newSlot(taskID string, attempt int, agentType string, cfg project.AgentConfig, scope []string) *Slot {
	return &Slot{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Attempt:     attempt,
		AgentType:   agentType,
		AgentConfig: cfg,
		Scope:       scope,
		StartedAt:   time.Now().UTC(),
		phase:       PhaseCoding,
	}
}

// Phase returns the slot's current phase.
func (s *Slot) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Slot) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

// InfraRetries returns infrastructure retries consumed by this slot.
func (s *Slot) InfraRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infraRetries
}

func (s *Slot) bumpInfraRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infraRetries++
}

// appendOutput accumulates agent output and feeds the inactivity watchdog.
func (s *Slot) appendOutput(text string, inactivity time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.WriteString(text)
	s.output.WriteByte('\n')
	if s.watchdog != nil {
		s.watchdog.Reset(inactivity)
	}
}

// Output returns the accumulated agent output for this attempt.
func (s *Slot) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *Slot) resetOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Reset()
	s.killedDueToTimeout = false
}

// armWatchdog starts the inactivity timer. Firing kills the agent and marks
// the slot so the failure policy classifies a timeout.
func (s *Slot) armWatchdog(inactivity time.Duration, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	s.watchdog = time.AfterFunc(inactivity, func() {
		s.mu.Lock()
		s.killedDueToTimeout = true
		s.mu.Unlock()
		cancel()
	})
}

// disarmWatchdog stops the inactivity timer after the agent exits.
func (s *Slot) disarmWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.cancel = nil
}

// KilledDueToTimeout reports whether the watchdog killed this attempt.
func (s *Slot) KilledDueToTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killedDueToTimeout
}
