package permission

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Mode is the execution mode the gate evaluates decisions under.
type Mode string

const (
	ModePlan Mode = "plan" // read-only planning: deny anything above low
	ModeAsk  Mode = "ask"  // confirm anything above low
	ModeAuto Mode = "auto" // allow single-target low/medium, confirm otherwise
	ModeYolo Mode = "yolo" // allow everything except the blocklist
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePlan, ModeAsk, ModeAuto, ModeYolo:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (valid: plan, ask, auto, yolo)", s)
}

// Decision is the gate's verdict on a tool call.
type Decision int

const (
	Deny Decision = iota
	Allow
	Confirm
)

func (d Decision) String() string {
	switch d {
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	case Confirm:
		return "confirm"
	}
	return "unknown"
}

// Enforcement selects whether a mode blocks risky calls or merely logs them.
type Enforcement string

const (
	EnforceBlock Enforcement = "block"
	EnforceWarn  Enforcement = "warn"
)

// Policy configures the gate. Zero values are filled in from DefaultPolicy.
type Policy struct {
	DestructiveVerbs []string `yaml:"destructive_verbs"`
	TrustedDomains   []string `yaml:"trusted_domains"`

	// Tools that always require confirmation, even in yolo mode.
	Blocklist []string `yaml:"blocklist"`

	// Per-mode enforcement. A mode set to warn logs the violation and
	// allows the call instead of denying it.
	Enforcement map[Mode]Enforcement `yaml:"enforcement"`

	// ConfirmTimeout bounds the wait for an external confirmation
	// decision; expiry resolves to deny.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		DestructiveVerbs: []string{"submit", "download", "delete", "remove"},
		TrustedDomains:   []string{"localhost", "127.0.0.1", "::1"},
		Blocklist:        []string{"delete_file", "move_file", "apply_patch", "merge_branch"},
		Enforcement: map[Mode]Enforcement{
			ModePlan: EnforceBlock,
			ModeAsk:  EnforceBlock,
			ModeAuto: EnforceBlock,
			ModeYolo: EnforceBlock,
		},
		ConfirmTimeout: 60 * time.Second,
	}
}

// LoadPolicy reads a YAML policy overlay and merges it over the defaults.
// Absent fields keep their default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}

	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return p, fmt.Errorf("parse policy %s: %w", path, err)
	}

	if len(overlay.DestructiveVerbs) > 0 {
		p.DestructiveVerbs = overlay.DestructiveVerbs
	}
	if len(overlay.TrustedDomains) > 0 {
		p.TrustedDomains = overlay.TrustedDomains
	}
	if len(overlay.Blocklist) > 0 {
		p.Blocklist = overlay.Blocklist
	}
	for mode, enf := range overlay.Enforcement {
		p.Enforcement[mode] = enf
	}
	if overlay.ConfirmTimeout > 0 {
		p.ConfirmTimeout = overlay.ConfirmTimeout
	}
	return p, nil
}

// Violation records a call the gate refused or asked about, for audit.
type Violation struct {
	Tool      string
	Tier      Tier
	Mode      Mode
	Decision  Decision
	Reasons   []string
	Timestamp time.Time
}

// Gate evaluates tool calls against the policy and manages pending
// confirmation handles.
type Gate struct {
	policy Policy
	logger *zap.Logger

	mu         sync.Mutex
	pending    map[string]*Pending
	violations []Violation
}

// Pending is a confirmation awaiting an external decision.
type Pending struct {
	ID       string
	Tool     string
	Reasons  []string
	decision chan bool
}

// NewGate builds a gate with the given policy. A nil logger disables
// logging.
func NewGate(policy Policy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Enforcement == nil {
		policy.Enforcement = DefaultPolicy().Enforcement
	}
	if policy.ConfirmTimeout == 0 {
		policy.ConfirmTimeout = DefaultPolicy().ConfirmTimeout
	}
	return &Gate{
		policy:  policy,
		logger:  logger.Named("permission"),
		pending: make(map[string]*Pending),
	}
}

// Decide maps an assessment and execution mode to a verdict. Blocklisted
// tools deny in plan mode and require confirmation in every other mode,
// including yolo.
func (g *Gate) Decide(toolName string, args map[string]any, assessment RiskAssessment, mode Mode) Decision {
	d := g.decide(toolName, args, assessment, mode)

	if d == Deny && g.policy.Enforcement[mode] == EnforceWarn {
		g.logger.Warn("risky call allowed by warn-only enforcement",
			zap.String("tool", toolName),
			zap.String("tier", assessment.Tier.String()),
			zap.Strings("reasons", assessment.Reasons))
		g.record(toolName, assessment, mode, Allow)
		return Allow
	}

	if d != Allow {
		g.record(toolName, assessment, mode, d)
	}
	return d
}

func (g *Gate) decide(toolName string, args map[string]any, assessment RiskAssessment, mode Mode) Decision {
	// Plan mode is read-only and never loosens: blocklisted tools are
	// destructive by definition, so they deny here rather than confirm.
	if mode == ModePlan {
		if assessment.Tier > TierLow || g.blocklisted(toolName) {
			return Deny
		}
		return Allow
	}

	// In every executing mode the blocklist is non-bypassable: these
	// tools confirm even in yolo.
	if g.blocklisted(toolName) {
		return Confirm
	}

	switch mode {
	case ModeAsk:
		if assessment.Tier > TierLow {
			return Confirm
		}
		return Allow
	case ModeYolo:
		return Allow
	case ModeAuto:
		if assessment.Tier <= TierMedium && targetCount(args) <= 1 {
			return Allow
		}
		return Confirm
	}
	return Deny
}

func (g *Gate) blocklisted(toolName string) bool {
	for _, blocked := range g.policy.Blocklist {
		if toolName == blocked {
			return true
		}
	}
	return false
}

func (g *Gate) record(toolName string, assessment RiskAssessment, mode Mode, d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.violations = append(g.violations, Violation{
		Tool:      toolName,
		Tier:      assessment.Tier,
		Mode:      mode,
		Decision:  d,
		Reasons:   assessment.Reasons,
		Timestamp: time.Now(),
	})
}

// Violations returns a copy of the audit log.
func (g *Gate) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}

// RequestConfirmation registers a pending decision handle for a tool call
// and returns it. The handle is resolved externally via Resolve.
func (g *Gate) RequestConfirmation(toolName string, reasons []string) *Pending {
	p := &Pending{
		ID:       uuid.NewString(),
		Tool:     toolName,
		Reasons:  reasons,
		decision: make(chan bool, 1),
	}
	g.mu.Lock()
	g.pending[p.ID] = p
	g.mu.Unlock()

	g.logger.Info("confirmation requested",
		zap.String("id", p.ID),
		zap.String("tool", toolName),
		zap.Strings("reasons", reasons))
	return p
}

// Resolve answers a pending confirmation. Returns an error if the handle is
// unknown or already resolved.
func (g *Gate) Resolve(id string, approved bool) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown confirmation handle %q", id)
	}
	p.decision <- approved
	return nil
}

// AwaitDecision blocks until the pending confirmation is resolved, the
// configured timeout expires, or ctx is cancelled. Timeout and cancellation
// both resolve to deny: failing open on an unanswered confirmation would
// defeat the gate's purpose.
func (g *Gate) AwaitDecision(ctx context.Context, p *Pending) bool {
	timer := time.NewTimer(g.policy.ConfirmTimeout)
	defer timer.Stop()

	select {
	case approved := <-p.decision:
		return approved
	case <-timer.C:
		g.logger.Warn("confirmation timed out, denying", zap.String("id", p.ID), zap.String("tool", p.Tool))
	case <-ctx.Done():
	}

	g.mu.Lock()
	delete(g.pending, p.ID)
	g.mu.Unlock()
	return false
}

// PendingCount reports how many confirmations are awaiting a decision.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
