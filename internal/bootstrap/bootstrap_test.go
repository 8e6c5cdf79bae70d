package bootstrap

import (
	"testing"

	"mongosidecar/internal/engine"
)

// otherMemberReachable is the reachability check singleMemberSelfHeal gates
// on (§4.7d). state.Members lists every configured member regardless of
// health, so the decision must come from state.MemberHealth instead.

func TestOtherMemberReachableSelfOnlyUp(t *testing.T) {
	// Scenario F: a 3-member config, only self reachable, no primary.
	// state.Members still has length 3, but no *other* member is up, so
	// self-heal should be allowed to proceed.
	selfHost := "mongo-10-0-0-1.mongo-cluster:27017"
	state := &engine.State{
		Members: []string{selfHost, "mongo-10-0-0-2.mongo-cluster:27017", "mongo-10-0-0-3.mongo-cluster:27017"},
		MemberHealth: []engine.MemberHealth{
			{Name: selfHost, Health: 1, StateStr: "SECONDARY"},
			{Name: "mongo-10-0-0-2.mongo-cluster:27017", Health: 0, StateStr: "(not reachable)"},
			{Name: "mongo-10-0-0-3.mongo-cluster:27017", Health: 0, StateStr: "(not reachable)"},
		},
	}
	if otherMemberReachable(state, selfHost) {
		t.Error("otherMemberReachable = true, want false when only self is up")
	}
}

func TestOtherMemberReachableOtherUp(t *testing.T) {
	// A peer is still reachable: self-heal must not proceed, there is
	// nothing to heal.
	selfHost := "mongo-10-0-0-1.mongo-cluster:27017"
	state := &engine.State{
		Members: []string{selfHost, "mongo-10-0-0-2.mongo-cluster:27017"},
		MemberHealth: []engine.MemberHealth{
			{Name: selfHost, Health: 1, StateStr: "SECONDARY"},
			{Name: "mongo-10-0-0-2.mongo-cluster:27017", Health: 1, StateStr: "SECONDARY"},
		},
	}
	if !otherMemberReachable(state, selfHost) {
		t.Error("otherMemberReachable = false, want true when a peer is up")
	}
}

func TestOtherMemberReachableNoHealthData(t *testing.T) {
	selfHost := "mongo-10-0-0-1.mongo-cluster:27017"
	state := &engine.State{Members: []string{selfHost}}
	if otherMemberReachable(state, selfHost) {
		t.Error("otherMemberReachable = true, want false with no health entries")
	}
}
