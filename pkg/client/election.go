package client

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"time"

	"github.com/peerchat/peerchat/pkg/types"
)

// FallbackDelay is how long a party waits for the peer's election token
// before unilaterally assuming it is alone in the room and taking the
// initiator role.
const FallbackDelay = 3 * time.Second

// Role is the outcome of a completed election, preserved across
// reconnection attempts.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

// Outcome is the result of comparing two election tokens.
type Outcome int

const (
	// OutcomeReceiver means the peer wins and the local side answers.
	OutcomeReceiver Outcome = iota
	// OutcomeInitiator means the local side creates the offer.
	OutcomeInitiator
	// OutcomeRematch means the tokens are indistinguishable and a fresh
	// round with new tokens is required. Silent divergence here would
	// leave both sides in the same role.
	OutcomeRematch
)

// Elector generates tokens and decides roles. The zero source is seeded
// from crypto/rand so two processes started in the same nanosecond still
// draw distinct values.
type Elector struct {
	rng *mrand.Rand
	now func() time.Time
}

// NewElector returns an elector with a crypto-seeded source.
func NewElector() *Elector {
	var seed int64
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(buf[:]))
	} else {
		seed = time.Now().UnixNano()
	}
	return &Elector{
		rng: mrand.New(mrand.NewSource(seed)),
		now: time.Now,
	}
}

// NewToken draws a fresh token for one session attempt.
func (e *Elector) NewToken() types.ElectionToken {
	return types.ElectionToken{
		RandomValue: e.rng.Float64(),
		Timestamp:   e.now().UnixMilli(),
	}
}

// Decide applies the symmetric election rule. Both sides run it with
// swapped arguments, so for any two distinguishable tokens exactly one
// side resolves to initiator.
func (e *Elector) Decide(local, peer types.ElectionToken) Outcome {
	switch {
	case local.RandomValue > peer.RandomValue:
		return OutcomeInitiator
	case local.RandomValue < peer.RandomValue:
		return OutcomeReceiver
	case local.Timestamp < peer.Timestamp:
		return OutcomeInitiator
	case local.Timestamp > peer.Timestamp:
		return OutcomeReceiver
	default:
		return OutcomeRematch
	}
}
