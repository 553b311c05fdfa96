// Package handlers provides the HTTP handlers for the fragment caches.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/fragcache/internal/registry"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	registry  *registry.Registry
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, reg *registry.Registry) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		registry:  reg,
	}
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	ProcessPercentage float64 `json:"process_percentage"`
	GoHeapMB          float64 `json:"go_heap_mb"`
}

// StreamsHealth summarizes the registered streams.
type StreamsHealth struct {
	Registered  int `json:"registered"`
	Running     int `json:"running"`
	Subscribers int `json:"subscribers"`
	Recording   int `json:"recording"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string        `json:"status"`
	Timestamp     string        `json:"timestamp"`
	Version       string        `json:"version"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Goroutines    int           `json:"goroutines"`
	CPUInfo       CPUInfo       `json:"cpu_info"`
	Memory        MemoryInfo    `json:"memory"`
	Streams       StreamsHealth `json:"streams"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Ready once at least one stream is registered",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Goroutines:    runtime.NumGoroutine(),
			CPUInfo:       h.getCPUInfo(ctx),
			Memory:        h.getMemoryInfo(ctx),
			Streams:       h.getStreamsHealth(),
		},
	}, nil
}

// GetLivez always reports ok while the process serves requests.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether streams are registered.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Components = map[string]string{}

	switch {
	case h.registry == nil:
		out.Body.Status = "not_ready"
		out.Body.Components["registry"] = "not_configured"
	case len(h.registry.List()) == 0:
		out.Body.Status = "not_ready"
		out.Body.Components["registry"] = "empty"
	default:
		out.Body.Status = "ready"
		out.Body.Components["registry"] = "ok"
	}
	return out, nil
}

func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err == nil {
		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			info.ProcessRSSMB = float64(memInfo.RSS) / 1024 / 1024
			if info.TotalMemoryMB > 0 {
				info.ProcessPercentage = info.ProcessRSSMB / info.TotalMemoryMB * 100
			}
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.GoHeapMB = float64(ms.HeapAlloc) / 1024 / 1024

	return info
}

func (h *HealthHandler) getStreamsHealth() StreamsHealth {
	var health StreamsHealth
	if h.registry == nil {
		return health
	}
	for _, s := range h.registry.Streams() {
		health.Registered++
		if s.Running() {
			health.Running++
		}
		health.Subscribers += s.Cache.Status().Subscribers
		if s.Recorder != nil && s.Recorder.Running() {
			health.Recording++
		}
	}
	return health
}
