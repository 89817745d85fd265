package swarmid

import "testing"

func TestNearestSwarmEmpty(t *testing.T) {
	if got := NearestSwarm(123, nil); got != InvalidSwarmID {
		t.Fatalf("expected InvalidSwarmID, got %d", got)
	}
}

func TestNearestSwarmSingle(t *testing.T) {
	if got := NearestSwarm(999, []uint64{42}); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestNearestSwarmScenario(t *testing.T) {
	// spec.md §8 scenario 5: swarm list [100, 1000, 2^64-100], swarm_space=50.
	ids := []uint64{100, 1000, ^uint64(0) - 100 + 1}
	if got := NearestSwarm(50, ids); got != 100 {
		t.Fatalf("expected nearest swarm 100, got %d", got)
	}
}

func TestNearestSwarmAfterReshuffle(t *testing.T) {
	ids := []uint64{50, 200}
	if got := NearestSwarm(50, ids); got != 50 {
		t.Fatalf("expected account to move to swarm 50, got %d", got)
	}
}

func TestNearestSwarmTiePrefersGreaterOrEqual(t *testing.T) {
	ids := []uint64{40, 60}
	// x=50 is equidistant (10 away) from both; expect the ge candidate (60).
	if got := NearestSwarm(50, ids); got != 60 {
		t.Fatalf("expected tie to prefer ge candidate 60, got %d", got)
	}
}

func TestNearestSwarmWrapsAroundTop(t *testing.T) {
	ids := []uint64{10, 20}
	max := ^uint64(0)
	// x is very close to the wrap point, nearer to 10 going forward through 0.
	if got := NearestSwarm(max-2, ids); got != 10 {
		t.Fatalf("expected wrap-around nearest swarm 10, got %d", got)
	}
}

func TestUpdateSwarmReportsChange(t *testing.T) {
	id := AccountID{}
	id[0] = PrefixSessionID
	sp := New(id, nil, false)

	if sp.Swarm != InvalidSwarmID {
		t.Fatalf("expected initial swarm to be invalid")
	}

	changed := sp.UpdateSwarm([]uint64{sp.SwarmSpace})
	if !changed {
		t.Fatalf("expected first assignment to report change")
	}
	if sp.Swarm != sp.SwarmSpace {
		t.Fatalf("expected swarm to equal swarm space for singleton list")
	}

	changed = sp.UpdateSwarm([]uint64{sp.SwarmSpace})
	if changed {
		t.Fatalf("expected no change when list is unchanged")
	}
}

func TestSwarmSpaceIsXOROfWords(t *testing.T) {
	var id AccountID
	id[0] = PrefixSessionID
	// All-zero remaining bytes XOR to zero.
	if got := SwarmSpace(id); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	id[1] = 0xff
	if got := SwarmSpace(id); got == 0 {
		t.Fatalf("expected non-zero swarm space once a byte is set")
	}
}
