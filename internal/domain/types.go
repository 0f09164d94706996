package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusRetry      TaskStatus = "retry"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Claimable reports whether a worker may take the task.
func (s TaskStatus) Claimable() bool {
	return s == StatusPending || s == StatusRetry
}

// Terminal reports whether no further transition is expected from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const TypeSendMessage = "send_message"

type Task struct {
	ID            string
	Type          string
	AccountID     string
	RecipientName string
	Message       string
	Status        TaskStatus
	RetryCount    int
	ErrorMessage  string
	Result        json.RawMessage
	WorkerID      string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Account is a target identity. EncryptedPassword is a vault token and is
// only ever decrypted in memory.
type Account struct {
	ID                string
	Email             string
	EncryptedPassword string
	DisplayName       string
}

type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

type WorkerRegistration struct {
	ID            string
	Name          string
	Type          string
	Status        WorkerStatus
	IPAddress     string
	Hostname      string
	SystemInfo    map[string]any
	LastHeartbeat time.Time
	CurrentTaskID string
}

// SystemStats is the heartbeat payload.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Execution log actions.
const (
	ActionTaskCompleted = "task_completed"
	ActionTaskFailed    = "task_failed"
)

// ExecutionLog is write-once.
type ExecutionLog struct {
	ID        string
	TaskID    string
	WorkerID  string
	Action    string
	Error     string
	Details   map[string]any
	CreatedAt time.Time
}
