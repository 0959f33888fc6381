package repeater

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGormStore(db *gorm.DB, baseLog *logger.Logger) Store {
	return &gormStore{db: db, log: baseLog.With("repo", "RepeaterStore")}
}

func (r *gormStore) conn(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *gormStore) Enqueue(dbc dbctx.Context, task *domain.RepeaterTask) error {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 10
	}
	if task.NextRunAt == nil {
		now := time.Now()
		task.NextRunAt = &now
	}
	return r.conn(dbc).Create(task).Error
}

func (r *gormStore) ClaimDue(dbc dbctx.Context, limit int, lease time.Duration) ([]*domain.RepeaterTask, error) {
	if limit <= 0 {
		limit = 16
	}
	now := time.Now()
	var claimed []*domain.RepeaterTask
	err := r.conn(dbc).Transaction(func(tx *gorm.DB) error {
		var rows []*domain.RepeaterTask
		qErr := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("next_run_at IS NULL OR next_run_at <= ?", now).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
			row.Attempts++
		}
		uErr := tx.Model(&domain.RepeaterTask{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"attempts":    gorm.Expr("attempts + 1"),
				"next_run_at": now.Add(lease),
				"updated_at":  now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *gormStore) Delete(dbc dbctx.Context, id int64) error {
	return r.conn(dbc).Delete(&domain.RepeaterTask{}, id).Error
}

func (r *gormStore) Reschedule(dbc dbctx.Context, id int64, next time.Time) error {
	return r.conn(dbc).Model(&domain.RepeaterTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_run_at": next,
			"updated_at":  time.Now(),
		}).Error
}
