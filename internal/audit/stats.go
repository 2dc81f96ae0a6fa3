package audit

import (
	"sort"
	"time"

	"gpufleet/internal/model"
)

// Summary is a basic statistics snapshot over audit records.
type Summary struct {
	Count    int
	Commands int
	From     time.Time
	To       time.Time
	ByStatus map[model.KillOutcome]int
	ByHost   map[string]int
}

// Hosts returns the hostnames present in the summary, sorted.
func (s Summary) Hosts() []string {
	hosts := make([]string, 0, len(s.ByHost))
	for h := range s.ByHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// SuccessRate is the fraction of pids terminated successfully.
func (s Summary) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.ByStatus[model.KillSuccess]) / float64(s.Count)
}

// Summarize computes summary figures for records at or after since.
func Summarize(items []Record, since time.Time) Summary {
	s := Summary{
		ByStatus: map[model.KillOutcome]int{},
		ByHost:   map[string]int{},
	}
	commands := map[string]struct{}{}

	for _, r := range items {
		if r.Timestamp.Before(since) {
			continue
		}
		if s.Count == 0 || r.Timestamp.Before(s.From) {
			s.From = r.Timestamp
		}
		if s.Count == 0 || r.Timestamp.After(s.To) {
			s.To = r.Timestamp
		}
		s.Count++
		s.ByStatus[r.Status]++
		s.ByHost[r.Hostname]++
		if r.CommandID != "" {
			commands[r.CommandID] = struct{}{}
		}
	}

	s.Commands = len(commands)
	return s
}
