package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat/peerchat/pkg/types"
)

func TestElectionExactlyOneInitiator(t *testing.T) {
	e := NewElector()

	tests := []struct {
		name  string
		local types.ElectionToken
		peer  types.ElectionToken
		want  Outcome
	}{
		{"higher value wins", types.ElectionToken{RandomValue: 0.7, Timestamp: 100}, types.ElectionToken{RandomValue: 0.3, Timestamp: 90}, OutcomeInitiator},
		{"lower value loses", types.ElectionToken{RandomValue: 0.3, Timestamp: 90}, types.ElectionToken{RandomValue: 0.7, Timestamp: 100}, OutcomeReceiver},
		{"equal value earlier timestamp wins", types.ElectionToken{RandomValue: 0.5, Timestamp: 50}, types.ElectionToken{RandomValue: 0.5, Timestamp: 60}, OutcomeInitiator},
		{"equal value later timestamp loses", types.ElectionToken{RandomValue: 0.5, Timestamp: 60}, types.ElectionToken{RandomValue: 0.5, Timestamp: 50}, OutcomeReceiver},
		{"identical tokens need a rematch", types.ElectionToken{RandomValue: 0.5, Timestamp: 50}, types.ElectionToken{RandomValue: 0.5, Timestamp: 50}, OutcomeRematch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Decide(tt.local, tt.peer))
		})
	}
}

// Both sides run the same rule with swapped arguments; for any pair of
// distinguishable tokens exactly one side must come out initiator.
func TestElectionSymmetry(t *testing.T) {
	e := NewElector()

	for i := 0; i < 500; i++ {
		a := e.NewToken()
		b := e.NewToken()
		if a == b {
			continue
		}

		outA := e.Decide(a, b)
		outB := e.Decide(b, a)

		require.NotEqual(t, OutcomeRematch, outA)
		if outA == OutcomeInitiator {
			assert.Equal(t, OutcomeReceiver, outB, "double initiator for %+v vs %+v", a, b)
		} else {
			assert.Equal(t, OutcomeInitiator, outB, "no initiator for %+v vs %+v", a, b)
		}
	}
}

func TestNewTokenRange(t *testing.T) {
	e := NewElector()
	for i := 0; i < 100; i++ {
		tok := e.NewToken()
		assert.GreaterOrEqual(t, tok.RandomValue, 0.0)
		assert.Less(t, tok.RandomValue, 1.0)
		assert.NotZero(t, tok.Timestamp)
	}
}
