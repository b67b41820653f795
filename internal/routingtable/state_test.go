package routingtable

import (
	"testing"

	"chordring/internal/ring"
)

func mustSpace(t *testing.T, bits int) ring.Space {
	t.Helper()
	sp, err := ring.NewSpace(bits)
	if err != nil {
		t.Fatalf("NewSpace(%d): %v", bits, err)
	}
	return sp
}

func TestNewSuccessorDefaultsToSelf(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(5), Self: true}
	tbl := New(self, sp)

	if !tbl.Successor().Equal(self) {
		t.Fatalf("Successor() = %v, want self", tbl.Successor())
	}
	if tbl.Predecessor() != nil {
		t.Fatalf("Predecessor() = %v, want nil", tbl.Predecessor())
	}
	if tbl.State() != Uninitialized {
		t.Fatalf("State() = %v, want Uninitialized", tbl.State())
	}
}

func TestSetSuccessorAlsoUpdatesFingerZero(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(5), Self: true}
	tbl := New(self, sp)

	succ := &NodeRef{IP: "10.0.0.2", ID: sp.FromUint64(10)}
	tbl.SetSuccessor(succ)

	if !tbl.Successor().Equal(succ) {
		t.Fatalf("Successor() = %v, want %v", tbl.Successor(), succ)
	}
	if !tbl.Finger(0).Equal(succ) {
		t.Fatalf("Finger(0) = %v, want %v", tbl.Finger(0), succ)
	}
}

func TestFingerTargetWraps(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(250), Self: true}
	tbl := New(self, sp)

	// 250 + 2^3 = 258 mod 256 = 2
	got := tbl.FingerTarget(3)
	want := sp.FromUint64(2)
	if !got.Equal(want) {
		t.Fatalf("FingerTarget(3) = %s, want %s", got.ToHexString(true), want.ToHexString(true))
	}
}

func TestIsInSuccessorArc(t *testing.T) {
	sp := mustSpace(t, 8)
	self := sp.FromUint64(10)
	succ := sp.FromUint64(20)

	cases := []struct {
		key  uint64
		want bool
	}{
		{10, false},
		{11, true},
		{20, true},
		{21, false},
		{5, false},
	}
	for _, c := range cases {
		got := IsInSuccessorArc(sp.FromUint64(c.key), self, succ)
		if got != c.want {
			t.Errorf("IsInSuccessorArc(%d) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestSuccessorOfWithoutFingerAlwaysReturnsSuccessor(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(0), Self: true}
	tbl := New(self, sp)
	succ := &NodeRef{IP: "10.0.0.2", ID: sp.FromUint64(50)}
	tbl.SetSuccessor(succ)
	tbl.SetFinger(5, &NodeRef{IP: "10.0.0.3", ID: sp.FromUint64(100)})

	got := tbl.SuccessorOf(sp.FromUint64(200), false)
	if !got.Equal(succ) {
		t.Fatalf("SuccessorOf(useFinger=false) = %v, want successor %v", got, succ)
	}
}

func TestSuccessorOfWithFingerPrefersClosestPreceding(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(0), Self: true}
	tbl := New(self, sp)
	succ := &NodeRef{IP: "10.0.0.2", ID: sp.FromUint64(10)}
	tbl.SetSuccessor(succ)
	f1 := &NodeRef{IP: "10.0.0.3", ID: sp.FromUint64(50)}
	f2 := &NodeRef{IP: "10.0.0.4", ID: sp.FromUint64(150)}
	tbl.SetFinger(3, f1)
	tbl.SetFinger(6, f2)

	got := tbl.SuccessorOf(sp.FromUint64(200), true)
	if !got.Equal(f2) {
		t.Fatalf("SuccessorOf(useFinger=true) = %v, want farthest finger %v", got, f2)
	}
}

func TestSuccessorOfWithFingerFallsBackToSuccessor(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(0), Self: true}
	tbl := New(self, sp)
	succ := &NodeRef{IP: "10.0.0.2", ID: sp.FromUint64(200)}
	tbl.SetSuccessor(succ)
	// No finger qualifies: key is close to self, so no finger lies
	// strictly between self and key.
	tbl.SetFinger(3, &NodeRef{IP: "10.0.0.3", ID: sp.FromUint64(250)})

	got := tbl.SuccessorOf(sp.FromUint64(1), true)
	if !got.Equal(succ) {
		t.Fatalf("SuccessorOf fallback = %v, want successor %v", got, succ)
	}
}

func TestStateAndSubStateRoundTrip(t *testing.T) {
	sp := mustSpace(t, 8)
	self := &NodeRef{IP: "10.0.0.1", ID: sp.FromUint64(0), Self: true}
	tbl := New(self, sp)

	tbl.SetState(Servicing)
	tbl.SetSubState(Stabilizing)
	if tbl.State() != Servicing {
		t.Errorf("State() = %v, want Servicing", tbl.State())
	}
	if tbl.SubState() != Stabilizing {
		t.Errorf("SubState() = %v, want Stabilizing", tbl.SubState())
	}
}
