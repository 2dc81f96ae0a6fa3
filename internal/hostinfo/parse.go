package hostinfo

import (
	"strconv"
	"strings"

	"gpufleet/internal/model"
)

// Query arguments for the CLI tools the collector shells out to.
var (
	nvidiaGPUArgs = []string{
		"--query-gpu=index,uuid,name,temperature.gpu,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits",
	}
	nvidiaAppsArgs = []string{
		"--query-compute-apps=gpu_uuid,pid,used_memory",
		"--format=csv,noheader,nounits",
	}
	dockerPSArgs = []string{"ps", "-a", "--format", "{{.ID}}|{{.Names}}|{{.Status}}|{{.Image}}"}
)

// ComputeApp is one GPU-resident process as listed by nvidia-smi.
type ComputeApp struct {
	GPUUUID    string
	PID        int
	UsedMemory int // MiB
}

// ParseNvidiaGPUs parses nvidia-smi --query-gpu CSV output. Malformed lines are skipped.
func ParseNvidiaGPUs(out string) []model.GPU {
	gpus := []model.GPU{}
	for _, fields := range csvLines(out, 7) {
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		gpus = append(gpus, model.GPU{
			ID:          id,
			UUID:        fields[1],
			Name:        fields[2],
			Temperature: lenientInt(fields[3]),
			MemoryUsed:  lenientInt(fields[4]),
			MemoryTotal: lenientInt(fields[5]),
			Utilization: lenientInt(fields[6]),
			Processes:   []model.Process{},
		})
	}
	return gpus
}

// ParseComputeApps parses nvidia-smi --query-compute-apps CSV output.
func ParseComputeApps(out string) []ComputeApp {
	apps := []ComputeApp{}
	for _, fields := range csvLines(out, 3) {
		pid, err := strconv.Atoi(fields[1])
		if err != nil || pid <= 0 {
			continue
		}
		apps = append(apps, ComputeApp{
			GPUUUID:    fields[0],
			PID:        pid,
			UsedMemory: lenientInt(fields[2]),
		})
	}
	return apps
}

// ParseScreenList extracts sessions from `screen -ls` output, whose entries
// look like "\t12345.train\t(05/01/24 10:00:00)\t(Detached)".
func ParseScreenList(out string) []model.ScreenSession {
	sessions := []model.ScreenSession{}
	for _, line := range strings.Split(out, "\n") {
		var status string
		switch {
		case strings.Contains(line, "(Attached)"):
			status = "Attached"
		case strings.Contains(line, "(Detached)"):
			status = "Detached"
		default:
			continue
		}
		id := strings.SplitN(strings.TrimSpace(line), "\t", 2)[0]
		pid, name, ok := strings.Cut(id, ".")
		if !ok || pid == "" || name == "" {
			continue
		}
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}
		sessions = append(sessions, model.ScreenSession{PID: pid, Name: strings.TrimSpace(name), Status: status})
	}
	return sessions
}

// ParseDockerPS parses `docker ps -a` output in ID|Names|Status|Image format.
func ParseDockerPS(out string) []model.Container {
	containers := []model.Container{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			continue
		}
		containers = append(containers, model.Container{
			ID:     parts[0],
			Name:   parts[1],
			Status: parts[2],
			Image:  parts[3],
		})
	}
	return containers
}

func isRunning(c model.Container) bool {
	return strings.HasPrefix(c.Status, "Up")
}

func csvLines(out string, n int) [][]string {
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != n {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, fields)
	}
	return rows
}

// lenientInt maps nvidia-smi placeholders such as "[N/A]" to zero.
func lenientInt(s string) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}
