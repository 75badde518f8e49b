// Package execmode decides whether orders may go to a live account.
package execmode

import "strings"

// Mode is the execution mode.
type Mode string

const (
	Paper Mode = "PAPER"
	Live  Mode = "LIVE"
)

// LiveAckSentinel is the exact operator acknowledgment required for live trading.
const LiveAckSentinel = "I_UNDERSTAND_LIVE_TRADING"

// Decision reasons.
const (
	ReasonModeNotLive      = "mode_not_live"
	ReasonLiveEnabledFalse = "live_enabled_false"
	ReasonAckInvalid       = "ack_missing_or_invalid"
	ReasonLiveAllowed      = "live_allowed"
)

var truthy = map[string]bool{"1": true, "true": true, "yes": true, "on": true, "y": true}

// Decision is the outcome of Decide.
type Decision struct {
	Mode        Mode   `json:"mode"`
	LiveAllowed bool   `json:"live_allowed"`
	Reason      string `json:"reason"`
}

// IsTruthy reports whether s is one of 1, true, yes, on, y (any case).
func IsTruthy(s string) bool {
	return truthy[strings.ToLower(strings.TrimSpace(s))]
}

// Decide applies the three-factor rule. Nil inputs are treated as absent and
// resolve to the safe answer.
func Decide(mode, liveEnabled, ack *string) Decision {
	if mode == nil || strings.TrimSpace(*mode) != string(Live) {
		return Decision{Mode: Paper, LiveAllowed: false, Reason: ReasonModeNotLive}
	}
	if liveEnabled == nil || !IsTruthy(*liveEnabled) {
		return Decision{Mode: Live, LiveAllowed: false, Reason: ReasonLiveEnabledFalse}
	}
	if ack == nil || *ack != LiveAckSentinel {
		return Decision{Mode: Live, LiveAllowed: false, Reason: ReasonAckInvalid}
	}
	return Decision{Mode: Live, LiveAllowed: true, Reason: ReasonLiveAllowed}
}

// DecideStrings is Decide for callers that treat an empty string as absent.
func DecideStrings(mode, liveEnabled, ack string) Decision {
	return Decide(optional(mode), optional(liveEnabled), optional(ack))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DryRun reports whether orders must be short-circuited under d. forced is the
// operator --dry-run flag.
func (d Decision) DryRun(forced bool) bool {
	return forced || !d.LiveAllowed
}
