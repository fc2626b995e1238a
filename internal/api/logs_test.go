package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamLogsWorkerNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workers/9/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/workers/0/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Worker 0 runs under run-0 in the test fixture.
	srv.broker.Publish(0, "run-0", "engine ready")
	srv.broker.Publish(0, "run-0", "scene loaded")
	srv.broker.Close(0)

	scanner := bufio.NewScanner(resp.Body)
	var events, ids []string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
		if id, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, id)
		}
	}

	if len(events) != 3 {
		t.Fatalf("got %d data lines, want 3: %v", len(events), events)
	}
	if events[0] != "engine ready" {
		t.Errorf("event[0] = %q, want %q", events[0], "engine ready")
	}
	if events[1] != "scene loaded" {
		t.Errorf("event[1] = %q, want %q", events[1], "scene loaded")
	}
	// The final data line belongs to the done event.
	if events[2] != "stream complete" {
		t.Errorf("event[2] = %q, want %q", events[2], "stream complete")
	}
	// Every log event carries the run it came from.
	if len(ids) != 2 || ids[0] != "run-0" || ids[1] != "run-0" {
		t.Errorf("event ids = %v, want [run-0 run-0]", ids)
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/workers/1/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// A multi-line entry, e.g. a worker stack trace.
	srv.broker.Publish(1, "run-1", "panic: joint overload\n  at rig.go:42\n  at loop.go:10")
	srv.broker.Close(1)

	// Consecutive "data:" lines form one event, separated by blank lines.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var current []string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current = append(current, data)
		} else if line == "" && len(current) > 0 {
			events = append(events, strings.Join(current, "\n"))
			current = nil
		}
	}

	want := "panic: joint overload\n  at rig.go:42\n  at loop.go:10"
	if len(events) < 1 {
		t.Fatalf("got no events, want at least the published entry")
	}
	if events[0] != want {
		t.Errorf("event = %q, want %q", events[0], want)
	}
}

func TestStreamLogsTerminatedWorkerClosesAfterReplay(t *testing.T) {
	srv := newTestServer(t)
	srv.broker.Publish(0, "run-0", "last words")
	srv.broker.Close(0)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/workers/0/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawReplay, sawDone bool
	for scanner.Scan() {
		switch scanner.Text() {
		case "data: last words":
			sawReplay = true
		case "event: done":
			sawDone = true
		}
	}
	if !sawReplay {
		t.Error("stream for dead worker did not replay its last lines")
	}
	if !sawDone {
		t.Error("stream for dead worker did not send a done event")
	}
}
