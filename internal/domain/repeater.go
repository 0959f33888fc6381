package domain

import (
	"time"

	"gorm.io/datatypes"
)

// RepeaterTask is the retry abstraction for periodic, idempotent work that
// lives outside the step graph. Rows are deleted on terminal outcome.
type RepeaterTask struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Class       string         `gorm:"column:class;not null;index" json:"class"`
	Parameters  datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:10" json:"max_attempts"`
	NextRunAt   *time.Time     `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (RepeaterTask) TableName() string { return "repeater_tasks" }
