package model

import "time"

// ContainerProfile is the set of limits applied to a sandbox container.
// It is derived once per execution and never mutated.
type ContainerProfile struct {
	CPUTimeLimitMinutes float64 `json:"cpuTimeLimitMinutes"`
	MemoryLimitKB       int64   `json:"memoryLimitKb"`
	MaxProcesses        int64   `json:"maxProcesses"`
	MaxFileSizeKB       int64   `json:"maxFileSizeKb"`
	MaxOpenFiles        int64   `json:"maxOpenFiles"`
	MaxOpenFilesHard    int64   `json:"maxOpenFilesHard"`
	StackSizeKB         int64   `json:"stackSizeKb"`
	EnableNetwork       bool    `json:"enableNetwork"`
}

func DefaultContainerProfile() ContainerProfile {
	return ContainerProfile{
		CPUTimeLimitMinutes: 5,
		MemoryLimitKB:       104800,
		MaxProcesses:        50,
		MaxFileSizeKB:       10240,
		MaxOpenFiles:        1024,
		MaxOpenFilesHard:    4096,
		StackSizeKB:         8192,
		EnableNetwork:       true,
	}
}

// CPUTimeLimitSeconds is the RLIMIT_CPU value applied to the sandbox.
func (p ContainerProfile) CPUTimeLimitSeconds() int64 {
	return int64(p.CPUTimeLimitMinutes * 60)
}

// ExecutionTimeout is the wall clock bound for a single command.
func (p ContainerProfile) ExecutionTimeout() time.Duration {
	return time.Duration(p.CPUTimeLimitMinutes * float64(time.Minute))
}
