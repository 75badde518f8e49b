package safety

import (
	"sync"
	"time"
)

// State is the pipeline safety state.
type State string

const (
	StateNormal   State = "NORMAL"
	StateWarning  State = "WARNING"
	StateFail     State = "FAIL"
	StateLockdown State = "LOCKDOWN"
)

// LockdownConsecutiveFailThreshold is the number of consecutive fail-safe
// events that move the machine into LOCKDOWN.
const LockdownConsecutiveFailThreshold = 2

// Transition reasons.
const (
	ReasonAnomaly               = "anomaly"
	ReasonFailSafe              = "fail_safe"
	ReasonLockdownThreshold     = "lockdown_threshold"
	ReasonLockdownFrozen        = "lockdown_frozen"
	ReasonRecovered             = "recovered"
	ReasonOperatorRecovery      = "operator_recovery"
	ReasonLockdownNeedsApproval = "lockdown_requires_operator_approval"
	ReasonAlreadyNormal         = "already_normal"
	ReasonNoChange              = "no_change"
)

// TransitionResult describes the effect of an event on the machine.
type TransitionResult struct {
	Applied bool   `json:"applied"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Reason  string `json:"reason"`
}

// Snapshot is a value copy of the machine state.
type Snapshot struct {
	State                    State     `json:"state"`
	ConsecutiveFailSafeCount int       `json:"consecutive_fail_safe_count"`
	LastFailSafeCode         string    `json:"last_fail_safe_code,omitempty"`
	TradingAllowed           bool      `json:"trading_allowed"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// MachineOption customises a Machine.
type MachineOption func(*Machine)

// WithWarningHaltsTrading makes WARNING forbid trading in addition to FAIL and
// LOCKDOWN.
func WithWarningHaltsTrading(v bool) MachineOption {
	return func(m *Machine) { m.warningHalts = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// Machine is the NORMAL/WARNING/FAIL/LOCKDOWN state machine. State, counter and
// last code always change together under mu.
type Machine struct {
	mu           sync.Mutex
	state        State
	consecutive  int
	lastCode     string
	updatedAt    time.Time
	warningHalts bool
	now          func() time.Time
}

// NewMachine returns a machine in NORMAL.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{state: StateNormal, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.updatedAt = m.now().UTC()
	return m
}

// ApplyAnomaly moves NORMAL to WARNING. Other states are unaffected.
func (m *Machine) ApplyAnomaly(code string) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from != StateNormal {
		return TransitionResult{Applied: false, From: from, To: from, Reason: ReasonNoChange}
	}
	m.set(StateWarning)
	return TransitionResult{Applied: true, From: from, To: StateWarning, Reason: ReasonAnomaly}
}

// ApplyFailSafe records a fail-safe event. Once in LOCKDOWN the counter is frozen.
func (m *Machine) ApplyFailSafe(code string) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from == StateLockdown {
		return TransitionResult{Applied: false, From: from, To: from, Reason: ReasonLockdownFrozen}
	}

	m.consecutive++
	m.lastCode = code
	if from == StateFail && m.consecutive >= LockdownConsecutiveFailThreshold {
		m.set(StateLockdown)
		return TransitionResult{Applied: true, From: from, To: StateLockdown, Reason: ReasonLockdownThreshold}
	}
	m.set(StateFail)
	return TransitionResult{Applied: true, From: from, To: StateFail, Reason: ReasonFailSafe}
}

// RequestRecovery returns the machine to NORMAL. LOCKDOWN requires operatorApproved.
func (m *Machine) RequestRecovery(operatorApproved bool) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	switch from {
	case StateNormal:
		return TransitionResult{Applied: false, From: from, To: from, Reason: ReasonAlreadyNormal}
	case StateLockdown:
		if !operatorApproved {
			return TransitionResult{Applied: false, From: from, To: from, Reason: ReasonLockdownNeedsApproval}
		}
		m.reset()
		return TransitionResult{Applied: true, From: from, To: StateNormal, Reason: ReasonOperatorRecovery}
	default:
		m.reset()
		return TransitionResult{Applied: true, From: from, To: StateNormal, Reason: ReasonRecovered}
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsTradingAllowed reports whether orders may be submitted in the current state.
func (m *Machine) IsTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tradingAllowed()
}

// Snapshot returns a serialisable copy of the machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:                    m.state,
		ConsecutiveFailSafeCount: m.consecutive,
		LastFailSafeCode:         m.lastCode,
		TradingAllowed:           m.tradingAllowed(),
		UpdatedAt:                m.updatedAt,
	}
}

func (m *Machine) tradingAllowed() bool {
	switch m.state {
	case StateNormal:
		return true
	case StateWarning:
		return !m.warningHalts
	default:
		return false
	}
}

func (m *Machine) set(s State) {
	m.state = s
	m.updatedAt = m.now().UTC()
}

func (m *Machine) reset() {
	m.consecutive = 0
	m.lastCode = ""
	m.set(StateNormal)
}
