package model

// HostSnapshot is one point-in-time bundle of telemetry from a single host.
type HostSnapshot struct {
	Hostname   string     `json:"hostname"`
	Timestamp  Timestamp  `json:"timestamp"`
	GPUs       []GPU      `json:"gpu_data"`
	SystemInfo SystemInfo `json:"system_info"`
}

// GPU is a single device as reported by the driver.
type GPU struct {
	ID          int       `json:"id"`
	UUID        string    `json:"uuid,omitempty"`
	Name        string    `json:"name"`
	Temperature int       `json:"temperature"`
	MemoryUsed  int       `json:"memory_used"`  // MiB
	MemoryTotal int       `json:"memory_total"` // MiB
	Utilization int       `json:"utilization"`
	Processes   []Process `json:"processes"`
}

// SystemInfo holds host-wide figures plus the session, container and process lists.
type SystemInfo struct {
	CPUPercent     float64         `json:"cpu_percent"`
	MemoryTotal    uint64          `json:"memory_total"`
	MemoryUsed     uint64          `json:"memory_used"`
	MemoryPercent  float64         `json:"memory_percent"`
	DiskTotal      uint64          `json:"disk_total"`
	DiskUsed       uint64          `json:"disk_used"`
	DiskPercent    float64         `json:"disk_percent"`
	IPAddress      string          `json:"ip_address"`
	PublicAddr     string          `json:"public_addr,omitempty"`
	ScreenSessions []ScreenSession `json:"screen_sessions"`
	Containers     []Container     `json:"docker_containers"`
	Processes      []Process       `json:"processes"`
}

// Process is one entry of the host process table.
type Process struct {
	PID            int     `json:"pid"`
	Name           string  `json:"name"`
	Cmdline        string  `json:"cmdline"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	CreateTime     float64 `json:"create_time"` // unix seconds
	Username       string  `json:"username"`
	IsGPUProcess   bool    `json:"is_gpu_process"`
	GPUMemoryUsage int     `json:"gpu_memory_usage"` // MiB
	GPUID          *int    `json:"gpu_id"`
}

// ScreenSession is a detached or attached terminal multiplexer session.
type ScreenSession struct {
	PID    string `json:"pid"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Container is one entry of the container runtime's listing.
type Container struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Image       string `json:"image"`
	MemoryUsage string `json:"memory_usage,omitempty"`
}

// Normalize replaces nil sequences with empty ones so they encode as [] rather than null.
func (s *HostSnapshot) Normalize() {
	if s.GPUs == nil {
		s.GPUs = []GPU{}
	}
	for i := range s.GPUs {
		if s.GPUs[i].Processes == nil {
			s.GPUs[i].Processes = []Process{}
		}
	}
	if s.SystemInfo.ScreenSessions == nil {
		s.SystemInfo.ScreenSessions = []ScreenSession{}
	}
	if s.SystemInfo.Containers == nil {
		s.SystemInfo.Containers = []Container{}
	}
	if s.SystemInfo.Processes == nil {
		s.SystemInfo.Processes = []Process{}
	}
}
