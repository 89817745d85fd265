package swarmid

import (
	"crypto/ed25519"
	"sort"
)

// InvalidSwarmID is the sentinel value a SwarmPubkey carries before it has
// ever been assigned a swarm, and the value UpdateSwarm returns when given
// an empty swarm-id list.
const InvalidSwarmID uint64 = ^uint64(0)

// SwarmPubkey is an account identity paired with its swarm-space coordinate
// and its currently assigned swarm. Equality and hashing are over ID alone;
// callers that need a map keyed by identity should key directly on the ID
// field, since AccountID is itself comparable.
type SwarmPubkey struct {
	ID         AccountID
	Ed25519    ed25519.PublicKey
	SessionEd  bool
	SwarmSpace uint64
	Swarm      uint64
}

// New constructs a SwarmPubkey, computing its swarm-space coordinate from
// the account id. The swarm field starts at InvalidSwarmID until
// UpdateSwarm is called with a non-empty swarm list.
func New(id AccountID, ed ed25519.PublicKey, sessionEd bool) *SwarmPubkey {
	return &SwarmPubkey{
		ID:         id,
		Ed25519:    ed,
		SessionEd:  sessionEd,
		SwarmSpace: SwarmSpace(id),
		Swarm:      InvalidSwarmID,
	}
}

// UpdateSwarm recomputes Swarm against a sorted list of active swarm ids
// and reports whether the assignment changed. See spec.md §4.B.
func (s *SwarmPubkey) UpdateSwarm(sortedIDs []uint64) bool {
	next := NearestSwarm(s.SwarmSpace, sortedIDs)
	changed := next != s.Swarm
	s.Swarm = next
	return changed
}

// NearestSwarm returns the swarm id in sortedIDs (ascending, deduplicated)
// with minimal unsigned circular distance to x. An empty list yields
// InvalidSwarmID. Ties prefer the greater-or-equal candidate.
func NearestSwarm(x uint64, sortedIDs []uint64) uint64 {
	switch len(sortedIDs) {
	case 0:
		return InvalidSwarmID
	case 1:
		return sortedIDs[0]
	}

	idx := sort.Search(len(sortedIDs), func(i int) bool { return sortedIDs[i] >= x })

	geIdx := idx
	if geIdx == len(sortedIDs) {
		geIdx = 0
	}
	ltIdx := idx - 1
	if idx == 0 {
		ltIdx = len(sortedIDs) - 1
	}

	ge := sortedIDs[geIdx]
	lt := sortedIDs[ltIdx]

	// Unsigned subtraction wraps modulo 2^64, which is exactly the circular
	// distance we want on both sides of the wrap point.
	distGE := ge - x
	distLT := x - lt

	if distGE <= distLT {
		return ge
	}
	return lt
}
