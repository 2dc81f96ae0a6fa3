package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestHostSnapshotNormalize_EncodesEmptySequences(t *testing.T) {
	t.Parallel()

	snap := HostSnapshot{
		Hostname: "gpu-01",
		GPUs:     []GPU{{ID: 0, Name: "A100"}},
	}
	snap.Normalize()

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "null") {
		t.Fatalf("unexpected null in %s", out)
	}
	for _, key := range []string{`"processes":[]`, `"screen_sessions":[]`, `"docker_containers":[]`} {
		if !strings.Contains(out, key) {
			t.Fatalf("missing %s in %s", key, out)
		}
	}
}

func TestHostSnapshotNormalize_KeepsData(t *testing.T) {
	t.Parallel()

	gpu := 0
	snap := HostSnapshot{
		SystemInfo: SystemInfo{
			Processes: []Process{{PID: 42, IsGPUProcess: true, GPUID: &gpu}},
		},
	}
	snap.Normalize()

	if len(snap.SystemInfo.Processes) != 1 || snap.SystemInfo.Processes[0].PID != 42 {
		t.Fatalf("processes=%+v", snap.SystemInfo.Processes)
	}
	if snap.GPUs == nil || len(snap.GPUs) != 0 {
		t.Fatalf("gpus=%v", snap.GPUs)
	}
}

func TestTimestamp_DecodesZoneLessISO(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		`"2024-05-01T10:00:00.123456"`:     time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC),
		`"2024-05-01T10:00:00"`:            time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		`"2024-05-01 10:00:00.5"`:          time.Date(2024, 5, 1, 10, 0, 0, 500000000, time.UTC),
		`"2024-05-01T12:00:00+02:00"`:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		`"2024-05-01T10:00:00.123456789Z"`: time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC),
	}
	for in, want := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("Unmarshal(%s)=%v want %v", in, ts.Time, want)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTimestamp_EncodesUTC(t *testing.T) {
	t.Parallel()

	ts := Timestamp{Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))}
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"2024-05-01T10:00:00Z"` {
		t.Fatalf("data=%s", data)
	}
}

func TestProcess_DecodesFractionalCreateTime(t *testing.T) {
	t.Parallel()

	var p Process
	if err := json.Unmarshal([]byte(`{"pid":7,"create_time":1714550000.5,"gpu_id":null,"status":"running"}`), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.CreateTime != 1714550000.5 || p.GPUID != nil {
		t.Fatalf("process=%+v", p)
	}
}
