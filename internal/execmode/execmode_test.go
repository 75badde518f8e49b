package execmode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(s string) *string { return &s }

func TestDecideRules(t *testing.T) {
	cases := []struct {
		name            string
		mode, live, ack *string
		want            Decision
	}{
		{"paper", ptr("PAPER"), ptr("true"), ptr(LiveAckSentinel), Decision{Paper, false, ReasonModeNotLive}},
		{"lowercase mode", ptr("live"), ptr("true"), ptr(LiveAckSentinel), Decision{Paper, false, ReasonModeNotLive}},
		{"nil mode", nil, ptr("true"), ptr(LiveAckSentinel), Decision{Paper, false, ReasonModeNotLive}},
		{"live disabled", ptr("LIVE"), ptr("no"), ptr(LiveAckSentinel), Decision{Live, false, ReasonLiveEnabledFalse}},
		{"live nil", ptr("LIVE"), nil, ptr(LiveAckSentinel), Decision{Live, false, ReasonLiveEnabledFalse}},
		{"ack missing", ptr("LIVE"), ptr("true"), nil, Decision{Live, false, ReasonAckInvalid}},
		{"ack wrong case", ptr("LIVE"), ptr("Y"), ptr("i_understand_live_trading"), Decision{Live, false, ReasonAckInvalid}},
		{"allowed", ptr("LIVE"), ptr(" ON "), ptr(LiveAckSentinel), Decision{Live, true, ReasonLiveAllowed}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Decide(c.mode, c.live, c.ack))
		})
	}
}

func TestLiveOnlyWhenAllThreeHold(t *testing.T) {
	values := []*string{nil, ptr(""), ptr("LIVE"), ptr("PAPER"), ptr("true"), ptr("1"), ptr("off"), ptr(LiveAckSentinel)}
	for _, m := range values {
		for _, l := range values {
			for _, a := range values {
				d := Decide(m, l, a)
				if d.LiveAllowed {
					assert.Equal(t, "LIVE", *m)
					assert.True(t, IsTruthy(*l))
					assert.Equal(t, LiveAckSentinel, *a)
				}
			}
		}
	}
}

func TestDryRun(t *testing.T) {
	assert.True(t, DecideStrings("LIVE", "true", "").DryRun(false))
	assert.False(t, DecideStrings("LIVE", "true", LiveAckSentinel).DryRun(false))
	assert.True(t, DecideStrings("LIVE", "true", LiveAckSentinel).DryRun(true))
}
