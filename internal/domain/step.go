package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepRetrying  StepState = "retrying"
	StepHalted    StepState = "halted"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepCancelled StepState = "cancelled"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the state is immutable. Halted is not terminal:
// parents sit in halted while their children run, and resolve-exception
// siblings sit in halted until promoted or skipped.
func (s StepState) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepSkipped:
		return true
	}
	return false
}

type StepType string

const (
	StepTypeNormal           StepType = "normal"
	StepTypeResolveException StepType = "resolve-exception"
)

// RelatableKind is the closed enum of domain entities a step may point at.
// The pointer is used for logging and for exception handlers to attach
// context; the dispatcher never dereferences it.
type RelatableKind string

const (
	RelatablePosition       RelatableKind = "position"
	RelatableAccount        RelatableKind = "account"
	RelatableExchangeSymbol RelatableKind = "exchange_symbol"
	RelatableOrder          RelatableKind = "order"
	RelatableAPISystem      RelatableKind = "api_system"
	RelatableSymbol         RelatableKind = "symbol"
)

// Step is a persisted unit of scheduled work. Steps sharing a BlockUUID form
// a block executed in Index order; equal-index siblings run in parallel.
type Step struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Class          string         `gorm:"column:class;not null;index" json:"class"`
	Arguments      datatypes.JSON `gorm:"column:arguments;type:jsonb" json:"arguments"`
	BlockUUID      uuid.UUID      `gorm:"type:uuid;column:block_uuid;not null;index:idx_steps_block" json:"block_uuid"`
	ChildBlockUUID *uuid.UUID     `gorm:"type:uuid;column:child_block_uuid;index" json:"child_block_uuid,omitempty"`
	WorkflowID     *uuid.UUID     `gorm:"type:uuid;column:workflow_id;index" json:"workflow_id,omitempty"`
	Index          int            `gorm:"column:index;not null;index:idx_steps_block" json:"index"`
	State          StepState      `gorm:"column:state;not null;index:idx_steps_ready" json:"state"`
	Type           StepType       `gorm:"column:type;not null;default:normal" json:"type"`
	Queue          string         `gorm:"column:queue;not null;index:idx_steps_ready" json:"queue"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	BackoffSeconds int            `gorm:"column:backoff_seconds;not null;default:10" json:"backoff_seconds"`
	NextRunAt      *time.Time     `gorm:"column:next_run_at;index:idx_steps_ready" json:"next_run_at,omitempty"`
	LastError      string         `gorm:"column:last_error;size:2048" json:"last_error,omitempty"`
	DispatchedAt   *time.Time     `gorm:"column:dispatched_at" json:"dispatched_at,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	RelatableType  RelatableKind  `gorm:"column:relatable_type;index:idx_steps_relatable" json:"relatable_type,omitempty"`
	RelatableID    *uuid.UUID     `gorm:"type:uuid;column:relatable_id;index:idx_steps_relatable" json:"relatable_id,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Step) TableName() string { return "steps" }

// ErrorKind tags a terminal failure with how it was classified.
type ErrorKind string

const (
	ErrKindRetryable    ErrorKind = "retryable"
	ErrKindPermanent    ErrorKind = "permanent"
	ErrKindIgnorable    ErrorKind = "ignorable"
	ErrKindJustEnd      ErrorKind = "just_end"
	ErrKindJustResolve  ErrorKind = "just_resolve"
	ErrKindVerification ErrorKind = "verification_failed"
	ErrKindChildFailure ErrorKind = "child_failure"
	ErrKindPanic        ErrorKind = "panic"
	ErrKindTimeout      ErrorKind = "timeout"
)
