package bootstrap

import "testing"

func TestJitterDelayNoPeers(t *testing.T) {
	if d := jitterDelay(false); d != 0 {
		t.Errorf("jitterDelay(false) = %v, want 0", d)
	}
}

func TestJitterDelayWithPeersIsBounded(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitterDelay(true)
		if d < 0 || d >= jitterWindow {
			t.Fatalf("jitterDelay(true) = %v, out of bounds [0, %v)", d, jitterWindow)
		}
	}
}

func TestSortedCopyDoesNotMutateInput(t *testing.T) {
	in := []string{"10.0.0.9", "10.0.0.1", "10.0.0.5"}
	original := append([]string(nil), in...)

	out := sortedCopy(in)

	for i := range in {
		if in[i] != original[i] {
			t.Fatalf("sortedCopy mutated input: %v", in)
		}
	}
	want := []string{"10.0.0.1", "10.0.0.5", "10.0.0.9"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sortedCopy = %v, want %v", out, want)
		}
	}
}
