package model

import "time"

// TaskStatus represents the state of a retry task. Status only advances
// pending -> leased -> {succeeded | pending (retry) | dead}.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusDead      TaskStatus = "dead"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusDead
}

// TaskOperation names the kind of work a retry task redoes.
type TaskOperation string

const (
	OpVerifyCorrelation TaskOperation = "verify_correlation"
	OpCarrierVerify     TaskOperation = "carrier_verify"
	OpRecomputeMatch    TaskOperation = "recompute_match"
	OpRecalculateScore  TaskOperation = "recalculate_score"
)

// RetryTask is an idempotent unit of background work with exponential
// backoff and a lease for exactly-one-active-worker semantics. At most one
// worker may hold a non-expired lease at any time.
type RetryTask struct {
	ID                string        `json:"id"`
	TaskKey           string        `json:"task_key"`
	Operation         TaskOperation `json:"operation"`
	Status            TaskStatus    `json:"status"`
	Payload           TaskPayload   `json:"payload"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	NextRetryAt       time.Time     `json:"next_retry_at"`
	LeaseToken        string        `json:"lease_token,omitempty"`
	LeaseExpiresAt    *time.Time    `json:"lease_expires_at,omitempty"`
	RequiresRollback  bool          `json:"requires_rollback"`
	BackupRef         string        `json:"backup_ref,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
