package enginerr

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		code    int
		message string
		connErr bool
		want    Kind
	}{
		{"connection error always unreachable", 0, "anything", true, Unreachable},
		{"not master message", 0, "not master and slaveOk=false", false, NotPrimary},
		{"not primary message", 0, "node is not primary", false, NotPrimary},
		{"hello redirect code", 10107, "", false, NotPrimary},
		{"unauthorized code", 13, "", false, AuthRequired},
		{"authentication message", 0, "Authentication failed", false, AuthRequired},
		{"requires authentication", 0, "command requires authentication", false, AuthRequired},
		{"replica set mismatch", 0, "replica set IDs do not match, expected abc, but received def; replica set id did not match", false, ReplicaSetMismatch},
		{"not yet initialized code", 94, "", false, NotYetInitialized},
		{"not yet initialized message", 0, "no replset config has been received", false, NotYetInitialized},
		{"already initialized code", 23, "", false, AlreadyInitialized},
		{"already initialized message", 0, "already initialized", false, AlreadyInitialized},
		{"unknown falls through", 99999, "some unrelated failure", false, Unknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.code, tc.message, tc.connErr)
			if got != tc.want {
				t.Errorf("Classify(%d, %q, %v) = %v, want %v", tc.code, tc.message, tc.connErr, got, tc.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, 0, "", false) != nil {
		t.Error("Wrap(nil, ...) should return nil")
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	inner := errFixture("boom")
	wrapped := Wrap(inner, 0, "not primary", false)

	if wrapped.Error() != "NotPrimary: boom" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !Is(wrapped, NotPrimary) {
		t.Error("Is should report NotPrimary")
	}
	if Is(wrapped, AuthRequired) {
		t.Error("Is should not report AuthRequired")
	}
}

type errFixture string

func (e errFixture) Error() string { return string(e) }
