package audit

import (
	"testing"
	"time"

	"gpufleet/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []Record{
		{Timestamp: now.Add(-2 * time.Hour), CommandID: "old", Hostname: "gpu-09", PID: 1, Status: model.KillSuccess},
		{Timestamp: now.Add(-10 * time.Second), CommandID: "c1", Hostname: "gpu-01", PID: 111, Status: model.KillSuccess},
		{Timestamp: now.Add(-10 * time.Second), CommandID: "c1", Hostname: "gpu-01", PID: 222, Status: model.KillNotFound},
		{Timestamp: now.Add(-5 * time.Second), CommandID: "c2", Hostname: "gpu-02", PID: 333, Status: model.KillSuccess},
	}
	s := Summarize(items, now.Add(-1*time.Minute))
	if s.Count != 3 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.Commands != 2 {
		t.Fatalf("commands=%d", s.Commands)
	}
	if s.ByStatus[model.KillSuccess] != 2 || s.ByStatus[model.KillNotFound] != 1 {
		t.Fatalf("by_status=%v", s.ByStatus)
	}
	if hosts := s.Hosts(); len(hosts) != 2 || hosts[0] != "gpu-01" {
		t.Fatalf("hosts=%v", hosts)
	}
	if !s.From.Equal(now.Add(-10*time.Second)) || !s.To.Equal(now.Add(-5*time.Second)) {
		t.Fatalf("from/to=%s/%s", s.From, s.To)
	}
}

func TestSummarize_Empty(t *testing.T) {
	t.Parallel()

	s := Summarize(nil, time.Now())
	if s.Count != 0 || s.SuccessRate() != 0 {
		t.Fatalf("summary=%+v", s)
	}
}
