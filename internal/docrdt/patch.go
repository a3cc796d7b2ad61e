package docrdt

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// mergeField names the reserved field whose conflict policy is
// "keep the larger value" instead of last-writer-wins. Task numbering
// (NextTaskNum) uses it so that two replicas that concurrently mint a
// number converge on the higher one rather than on whichever happened
// to carry the later wall-clock-adjacent stamp.
const mergeField = "__next_num__"

// Op is one field write: "set task <TaskID>'s <Field> to <Value>",
// stamped with the logical timestamp of the write that produced it.
// A Patch — spec.md's Update — is simply an ordered list of Ops.
type Op struct {
	Stamp  LogicalTimestamp `cbor:"stamp"`
	TaskID string           `cbor:"task"`
	Field  string           `cbor:"field"`
	Value  any              `cbor:"value"`
}

// Patch is the decoded form of an Update. Patches from independent
// replicas merge by concatenating their Ops; Document.ApplyUpdate
// then resolves per-field conflicts deterministically, which is what
// makes merge associative and commutative (spec.md §8's round-trip
// laws).
type Patch struct {
	Ops []Op `cbor:"ops"`
}

// EncodeUpdate is the v2 encoding spec.md's frame table refers to:
// CBOR over the Patch's Ops, chosen for being compact and
// self-describing (see SPEC_FULL.md §4.2).
func EncodeUpdate(p Patch) ([]byte, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("docrdt: encode update: %w", err)
	}
	return b, nil
}

// DecodeUpdate parses bytes produced by EncodeUpdate (or by
// MergeUpdates). An empty input decodes to an empty patch: spec.md
// requires "Sync Response" with no delta to be a valid, applyable
// empty update.
func DecodeUpdate(b []byte) (Patch, error) {
	if len(b) == 0 {
		return Patch{}, nil
	}
	var p Patch
	if err := cbor.Unmarshal(b, &p); err != nil {
		return Patch{}, fmt.Errorf("docrdt: malformed update: %w", err)
	}
	return p, nil
}

// MergeUpdates merges N encoded updates into one semantically
// equivalent update, keeping only the winning Op per (TaskID, Field)
// pair. This is the primitive the Update Log Store's compaction
// algorithm (SPEC_FULL.md §4.1) calls to collapse a prefix of records.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	winners := make(map[string]Op)
	order := make([]string, 0)

	for _, u := range updates {
		p, err := DecodeUpdate(u)
		if err != nil {
			return nil, err
		}
		for _, op := range p.Ops {
			key := op.TaskID + "\x00" + op.Field
			cur, ok := winners[key]
			if !ok {
				order = append(order, key)
				winners[key] = op
				continue
			}
			if opWins(op, cur) {
				winners[key] = op
			}
		}
	}

	// Stable output order keeps MergeUpdates deterministic, which
	// matters for tests that compare encoded bytes directly.
	sort.Strings(order)
	merged := Patch{Ops: make([]Op, 0, len(order))}
	for _, key := range order {
		merged.Ops = append(merged.Ops, winners[key])
	}
	return EncodeUpdate(merged)
}

// opWins reports whether candidate should replace incumbent under the
// field's conflict policy.
func opWins(candidate, incumbent Op) bool {
	if candidate.Field == mergeField {
		cn, cok := toInt64(candidate.Value)
		in, iok := toInt64(incumbent.Value)
		if cok && iok {
			if cn != in {
				return cn > in
			}
			return candidate.Stamp.Compare(incumbent.Stamp) > 0
		}
	}
	return candidate.Stamp.Compare(incumbent.Stamp) > 0
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
