package web

import (
	"runtime"
	"runtime/debug"
	"time"

	"bioreactor/internal/scheduler"
)

// Sources are the live components /api/status reports on. Any may be nil.
type Sources struct {
	Interlock interface {
		Active() bool
		Transitions() uint64
	}
	Scheduler interface {
		Passes() uint64
		Stats() []scheduler.TaskStats
	}
	Telemetry interface {
		Published() uint64
	}
}

type Status struct {
	start   time.Time
	device  string
	backend string
	src     Sources
	build   BuildInfo
}

func NewStatus(device, backend string, src Sources) *Status {
	return &Status{
		start:   time.Now().UTC(),
		device:  device,
		backend: backend,
		src:     src,
		build:   readBuildInfo(),
	}
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		case "vcs.time":
			out.BuildTime = s.Value
		}
	}
	return out
}

type StatusSnapshot struct {
	Service              string                `json:"service"`
	Device               string                `json:"device"`
	Backend              string                `json:"backend"`
	NowUTC               string                `json:"now_utc"`
	UptimeSec            int64                 `json:"uptime_sec"`
	SystemActive         bool                  `json:"system_active"`
	InterlockTransitions uint64                `json:"interlock_transitions"`
	SchedulerPasses      uint64                `json:"scheduler_passes"`
	Tasks                []scheduler.TaskStats `json:"tasks"`
	TelemetryPublished   uint64                `json:"telemetry_published"`
	Build                BuildInfo             `json:"build"`
	Host                 *HostSnapshot         `json:"host,omitempty"`
}

// HostSnapshot is best effort; fields the platform cannot report stay empty.
type HostSnapshot struct {
	Model          string   `json:"model,omitempty"`
	CPUTempC       *float64 `json:"cpu_temp_c,omitempty"`
	RootTotalBytes uint64   `json:"root_total_bytes,omitempty"`
	RootAvailBytes uint64   `json:"root_avail_bytes,omitempty"`
	LocalAddrs     []string `json:"local_addrs,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:      "bioreactor",
		Device:       s.device,
		Backend:      s.backend,
		NowUTC:       nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:    int64(nowUTC.Sub(s.start).Seconds()),
		SystemActive: true,
		Tasks:        []scheduler.TaskStats{},
		Build:        s.build,
		Host:         snapshotHost(),
	}
	if il := s.src.Interlock; il != nil {
		snap.SystemActive = il.Active()
		snap.InterlockTransitions = il.Transitions()
	}
	if sc := s.src.Scheduler; sc != nil {
		snap.SchedulerPasses = sc.Passes()
		snap.Tasks = sc.Stats()
	}
	if t := s.src.Telemetry; t != nil {
		snap.TelemetryPublished = t.Published()
	}
	return snap
}
