package apiserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPeerClientHealthAndPrimary(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok"}`))
		case "/primary":
			w.Write([]byte(`{"primary":"mongo-10-0-0-1.mongo-cluster:27017","isPrimary":true}`))
		case "/oplog":
			w.Write([]byte(`{"hostname":"mongo-10-0-0-1.mongo-cluster","ip":"10.0.0.1","timestamp":{"time":42,"counter":7}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := NewPeerClient()
	ctx := context.Background()

	if !c.Health(ctx, ts.URL) {
		t.Error("expected Health to report true")
	}

	claimed, isPrimary, ok := c.Primary(ctx, ts.URL)
	if !ok || !isPrimary {
		t.Errorf("Primary() = (%v, %v, %v), want (_, true, true)", claimed, isPrimary, ok)
	}
	if claimed != "mongo-10-0-0-1.mongo-cluster:27017" {
		t.Errorf("claimed primary = %q", claimed)
	}

	ts2, known, reachable := c.Oplog(ctx, ts.URL)
	if !reachable || !known {
		t.Fatalf("Oplog reachability/known = (%v, %v)", reachable, known)
	}
	if ts2.Seconds != 42 || ts2.Counter != 7 {
		t.Errorf("Oplog() = %+v, want {42 7}", ts2)
	}
}

func TestPeerClientUnreachableAbstains(t *testing.T) {
	c := NewPeerClient()
	ctx := context.Background()

	if c.Health(ctx, "http://127.0.0.1:1") {
		t.Error("expected Health to report false for unreachable peer")
	}
	_, _, ok := c.Primary(ctx, "http://127.0.0.1:1")
	if ok {
		t.Error("expected Primary to abstain (ok=false) for unreachable peer")
	}
	_, _, reachable := c.Oplog(ctx, "http://127.0.0.1:1")
	if reachable {
		t.Error("expected Oplog to report unreachable")
	}
}
