package docrdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// SessionID identifies one document replica. Grounded on the teacher's
// luvjson/common.SessionID: a time-ordered UUID used both as map key
// material and as the tie-breaker half of a LogicalTimestamp.
type SessionID uuid.UUID

// NewSessionID returns a fresh, time-ordered session id.
func NewSessionID() SessionID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/entropy source is
		// broken; there is no sane fallback for a replica identity.
		panic(fmt.Sprintf("docrdt: failed to create session id: %v", err))
	}
	return SessionID(id)
}

func (s SessionID) String() string { return uuid.UUID(s).String() }

// Compare orders two session ids lexicographically by byte value.
func (s SessionID) Compare(other SessionID) int {
	a, b := uuid.UUID(s), uuid.UUID(other)
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// LogicalTimestamp is a globally unique, totally ordered stamp: the
// session that produced a value plus that session's local counter at
// the time.
type LogicalTimestamp struct {
	SID     SessionID `cbor:"sid"`
	Counter uint64    `cbor:"cnt"`
}

// Compare orders timestamps first by counter, then by session id so
// that ties between concurrent writers resolve the same way on every
// replica.
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	default:
		return t.SID.Compare(other.SID)
	}
}

// StateVector summarizes, per session, the highest counter a replica
// has observed. It is the opaque type spec.md calls StateVector.
type StateVector map[string]uint64

// Get returns the counter this state vector has observed for sid, or
// zero if the session is unknown to it.
func (sv StateVector) Get(sid SessionID) uint64 {
	if sv == nil {
		return 0
	}
	return sv[sid.String()]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// EncodeStateVector produces the wire form of a state vector (v1
// encoding, per spec.md's frame table — a plain CBOR map here, since
// the protocol treats it as opaque bytes either way).
func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return cbor.Marshal(sv)
}

// DecodeStateVector parses bytes produced by EncodeStateVector. An
// empty/nil input decodes to an empty state vector rather than an
// error, since spec.md requires "sync request with an empty state
// vector" to be a valid boundary case.
func DecodeStateVector(b []byte) (StateVector, error) {
	if len(b) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := cbor.Unmarshal(b, &sv); err != nil {
		return nil, fmt.Errorf("docrdt: decode state vector: %w", err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}
