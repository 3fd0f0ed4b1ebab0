package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graphmesh/go-quorum/pkg/commitlog"
)

func TestReportCommitRoundTrip(t *testing.T) {
	var got commitlog.CommitRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/consensusdata" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	want := commitlog.CommitRecord{
		Round:     1,
		Term:      2,
		Value:     "A",
		Witnesses: []int{0, 1, 2, 3},
		NodeID:    0,
		At:        time.Unix(42, 0).UTC(),
	}
	if err := c.ReportCommit(context.Background(), want); err != nil {
		t.Fatalf("report: %v", err)
	}
	if got.Round != want.Round || got.Value != want.Value || got.Term != want.Term {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, want)
	}
	if len(got.Witnesses) != 4 {
		t.Fatalf("witnesses = %v", got.Witnesses)
	}
	for i := range want.Witnesses {
		if got.Witnesses[i] != want.Witnesses[i] {
			t.Fatalf("witnesses = %v, want %v", got.Witnesses, want.Witnesses)
		}
	}
	if c.Degraded() {
		t.Fatalf("degraded after success")
	}
}

func TestReportCommitRetriesThenDegrades(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	err := c.ReportCommit(context.Background(), commitlog.CommitRecord{Round: 1, Value: "A"})
	if !errors.Is(err, ErrCollector) {
		t.Fatalf("report: %v, want ErrCollector", err)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	if !c.Degraded() {
		t.Fatalf("expected degraded mode after persistent failure")
	}
}

func TestDegradedClearsOnRecovery(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	fail.Store(true)
	if err := c.ReportCommit(context.Background(), commitlog.CommitRecord{Round: 1}); err == nil {
		t.Fatalf("expected failure")
	}
	fail.Store(false)
	if err := c.ReportCommit(context.Background(), commitlog.CommitRecord{Round: 2}); err != nil {
		t.Fatalf("report after recovery: %v", err)
	}
	if c.Degraded() {
		t.Fatalf("degraded flag did not clear")
	}
}

func TestReplayFromDurableLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.log")
	l, err := commitlog.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer l.Close()
	for round := uint64(1); round <= 3; round++ {
		if err := l.Append(commitlog.CommitRecord{Round: round, Term: round, Value: "v"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var rounds []uint64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec commitlog.CommitRecord
		_ = json.NewDecoder(r.Body).Decode(&rec)
		rounds = append(rounds, rec.Round)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	if err := c.Replay(context.Background(), l); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(rounds) != 3 || rounds[0] != 1 || rounds[2] != 3 {
		t.Fatalf("replayed rounds %v", rounds)
	}
}

func TestMessageEndpoint(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	if err := c.Message(context.Background(), "consensus finished"); err != nil {
		t.Fatalf("message: %v", err)
	}
	if path != "/message" || body["message"] != "consensus finished" {
		t.Fatalf("posted %q %v", path, body)
	}
}
