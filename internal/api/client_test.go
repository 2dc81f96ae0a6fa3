package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gpufleet/internal/model"
)

func TestClient_ErrorIncludesBodyAndCode(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"host gpu-07 is offline","code":"target_offline"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.KillProcesses(context.Background(), KillRequest{Hostname: "gpu-07", PIDs: []int{1}})
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if want := "404"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"code":"target_offline"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("not an APIError: %T", err)
	}
	if apiErr.Code != CodeTargetOffline || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestClient_ReportSnapshotPostsJSON(t *testing.T) {
	t.Parallel()

	var got model.HostSnapshot
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/report-gpu-stats" {
			t.Errorf("method=%s path=%s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer s.Close()

	snap := model.HostSnapshot{Hostname: "gpu-01", Timestamp: model.Timestamp{Time: time.Unix(100, 0).UTC()}}
	if err := NewClient(s.URL).ReportSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("ReportSnapshot: %v", err)
	}
	if got.Hostname != "gpu-01" {
		t.Fatalf("hostname=%q", got.Hostname)
	}
}

func TestAgentSocketURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"10.0.0.1:7864":           "ws://10.0.0.1:7864/ws/agent",
		"http://agg:7864/":        "ws://agg:7864/ws/agent",
		"https://agg.example.com": "wss://agg.example.com/ws/agent",
		"gpu-head":                "ws://gpu-head:7864/ws/agent",
	}
	for in, want := range cases {
		if got := AgentSocketURL(in); got != want {
			t.Fatalf("AgentSocketURL(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMessageType(t *testing.T) {
	t.Parallel()

	typ, err := MessageType([]byte(`{"type":"kill_processes","pids":[1]}`))
	if err != nil || typ != TypeKillProcesses {
		t.Fatalf("type=%q err=%v", typ, err)
	}
	if _, err := MessageType([]byte(`{"pids":[1]}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
	if _, err := MessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSnapshotMessage_FlattensSnapshot(t *testing.T) {
	t.Parallel()

	msg := SnapshotMessage{Type: TypeSnapshot, HostSnapshot: model.HostSnapshot{Hostname: "gpu-01"}}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if flat["type"] != TypeSnapshot || flat["hostname"] != "gpu-01" {
		t.Fatalf("flat=%v", flat)
	}
}
