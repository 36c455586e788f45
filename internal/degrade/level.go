package degrade

// Level is the process-wide degradation ordinal. Higher levels shed more load.
type Level int32

const (
	Normal Level = iota
	Light
	Medium
	Severe
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Light:
		return "light"
	case Medium:
		return "medium"
	case Severe:
		return "severe"
	default:
		return "unknown"
	}
}

// Thresholds are the per-level trigger points. A level is entered when any
// metric reaches its threshold.
type Thresholds struct {
	CPUPct     float64
	MemPct     float64
	QueueDepth int
	ErrorRate  float64
}

// Policy is the action set applied while a level is active.
type Policy struct {
	// AdmitSampleRate is the fraction of non-priority connects admitted.
	AdmitSampleRate float64
	// MessageSampleRate is the fraction of non-system messages processed.
	MessageSampleRate float64
	// PersistSampleRate is the fraction of messages persisted.
	PersistSampleRate float64
	// RejectNewConnections refuses all non-priority connects outright.
	RejectNewConnections bool
}

func defaultThresholds() map[Level]Thresholds {
	return map[Level]Thresholds{
		Light:  {CPUPct: 85, MemPct: 85, QueueDepth: 5000, ErrorRate: 0.05},
		Medium: {CPUPct: 90, MemPct: 90, QueueDepth: 10000, ErrorRate: 0.10},
		Severe: {CPUPct: 95, MemPct: 95, QueueDepth: 20000, ErrorRate: 0.20},
	}
}

func defaultPolicies() map[Level]Policy {
	return map[Level]Policy{
		Normal: {AdmitSampleRate: 1.0, MessageSampleRate: 1.0, PersistSampleRate: 1.0},
		Light:  {AdmitSampleRate: 1.0, MessageSampleRate: 1.0, PersistSampleRate: 0.8},
		Medium: {AdmitSampleRate: 0.5, MessageSampleRate: 0.3, PersistSampleRate: 0.5},
		Severe: {AdmitSampleRate: 0.1, MessageSampleRate: 0.3, PersistSampleRate: 0, RejectNewConnections: true},
	}
}
