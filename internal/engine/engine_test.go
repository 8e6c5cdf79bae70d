package engine

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"mongosidecar/internal/enginerr"
)

func TestOplogTimestampLess(t *testing.T) {
	cases := []struct {
		a, b OplogTimestamp
		want bool
	}{
		{OplogTimestamp{1, 0}, OplogTimestamp{2, 0}, true},
		{OplogTimestamp{2, 0}, OplogTimestamp{1, 0}, false},
		{OplogTimestamp{5, 1}, OplogTimestamp{5, 2}, true},
		{OplogTimestamp{5, 2}, OplogTimestamp{5, 1}, false},
		{OplogTimestamp{5, 1}, OplogTimestamp{5, 1}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%+v.Less(%+v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestStateLabel(t *testing.T) {
	cases := map[int]string{
		mongoStatePrimary:    "PRIMARY",
		mongoStateSecondary:  "SECONDARY",
		mongoStateRecovering: "RECOVERING",
		mongoStateStartup:    "STARTUP",
		99:                   "STARTUP2",
	}
	for state, want := range cases {
		if got := stateLabel(state); got != want {
			t.Errorf("stateLabel(%d) = %s, want %s", state, got, want)
		}
	}
}

func TestClassifyConnectMapsCommandErrors(t *testing.T) {
	err := classifyConnect(mongo.CommandError{Code: 13, Message: "not authorized"})
	if !enginerr.Is(err, enginerr.AuthRequired) {
		t.Errorf("classifyConnect(code 13) not classified as AuthRequired: %v", err)
	}
}

func TestClassifyConnectMapsGenericErrors(t *testing.T) {
	err := classifyConnect(errors.New("connection refused"))
	if !enginerr.Is(err, enginerr.Unreachable) {
		t.Errorf("classifyConnect(generic) not classified as Unreachable: %v", err)
	}
}

func TestClassifyStatusErrorNotYetInitialized(t *testing.T) {
	kind := classifyStatusError(mongo.CommandError{Code: 94, Message: "no replset config has been received"})
	if kind != enginerr.NotYetInitialized {
		t.Errorf("classifyStatusError(code 94) = %v, want NotYetInitialized", kind)
	}
}

func TestWrapConnectErrHelper(t *testing.T) {
	err := WrapConnectErr(mongo.CommandError{Code: 23, Message: "already initialized"})
	if !enginerr.Is(err, enginerr.AlreadyInitialized) {
		t.Errorf("WrapConnectErr(code 23) not classified as AlreadyInitialized: %v", err)
	}
}

// TestOplogEntryDecodesRealTimestamp guards against decoding the oplog's
// "ts" field into anything other than primitive.Timestamp: the driver's
// codec registry only recognizes a BSON Timestamp wire value (type 0x11)
// against that exact destination type, not a same-shape struct.
func TestOplogEntryDecodesRealTimestamp(t *testing.T) {
	want := primitive.Timestamp{T: 1700000000, I: 7}
	doc := bson.D{{Key: "ts", Value: want}, {Key: "op", Value: "i"}}

	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var entry oplogEntry
	if err := bson.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("Unmarshal into oplogEntry: %v", err)
	}
	if entry.TS != want {
		t.Errorf("entry.TS = %+v, want %+v", entry.TS, want)
	}
}
