package model

import "time"

// ResourceConfiguration is the per-session limits block owned by the
// session layer. CPUTimeLimit is in seconds and MemoryLimit in KB.
type ResourceConfiguration struct {
	MaxQueueSize             int   `json:"maxQueueSize"`
	MaxNumberOfRuns          int   `json:"maxNumberOfRuns"`
	CPUTimeLimit             int64 `json:"cpuTimeLimit"`
	MemoryLimit              int64 `json:"memoryLimit"`
	MaxProcessesAndOrThreads int64 `json:"maxProcessesAndOrThreads"`
	EnableNetwork            bool  `json:"enableNetwork"`
}

// ContainerProfile maps the session limits onto a sandbox profile. Limits
// the session does not define keep their defaults.
func (c ResourceConfiguration) ContainerProfile() ContainerProfile {
	p := DefaultContainerProfile()
	if c.CPUTimeLimit > 0 {
		p.CPUTimeLimitMinutes = float64(c.CPUTimeLimit) / 60
	}
	if c.MemoryLimit > 0 {
		p.MemoryLimitKB = c.MemoryLimit
	}
	if c.MaxProcessesAndOrThreads > 0 {
		p.MaxProcesses = c.MaxProcessesAndOrThreads
	}
	p.EnableNetwork = c.EnableNetwork
	return p
}

type Session struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	ImageID       string                `json:"imageId"`
	StartTime     time.Time             `json:"startTime"`
	EndTime       time.Time             `json:"endTime"`
	Configuration ResourceConfiguration `json:"configuration"`
}

func (s *Session) ActiveAt(t time.Time) bool {
	return !t.Before(s.StartTime) && t.Before(s.EndTime)
}

type Exercise struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Title     string     `json:"title"`
	TestCases []TestCase `json:"testCases"`
}

type TestCase struct {
	ID             string `json:"id"`
	ExerciseID     string `json:"exerciseId"`
	Position       int    `json:"position"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	Visible        bool   `json:"visible"`
}

// Submitter identifies the owner of an execution request. Exactly one of
// StudentID and GroupID is set. ContainerID is the owner's reusable sandbox.
type Submitter struct {
	StudentID   string `json:"studentId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	ContainerID string `json:"-"`
}

// ID returns whichever identity is set.
func (s Submitter) ID() string {
	if s.StudentID != "" {
		return s.StudentID
	}
	return s.GroupID
}

func (s Submitter) Valid() bool {
	return (s.StudentID == "") != (s.GroupID == "")
}

// Key is a stable string for locking and concurrency keys.
func (s Submitter) Key() string {
	if s.StudentID != "" {
		return "student:" + s.StudentID
	}
	return "group:" + s.GroupID
}

func (s Submitter) Same(other Submitter) bool {
	return s.StudentID == other.StudentID && s.GroupID == other.GroupID
}
