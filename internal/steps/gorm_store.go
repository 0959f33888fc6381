package steps

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quantfold/tradeflow/internal/domain"
	"github.com/quantfold/tradeflow/internal/pkg/dbctx"
	"github.com/quantfold/tradeflow/internal/pkg/logger"
)

var terminalStates = []domain.StepState{
	domain.StepCompleted, domain.StepFailed, domain.StepCancelled, domain.StepSkipped,
}

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGormStore(db *gorm.DB, baseLog *logger.Logger) Store {
	return &gormStore{
		db:  db,
		log: baseLog.With("repo", "StepStore"),
	}
}

func (r *gormStore) conn(dbc dbctx.Context) *gorm.DB {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx)
}

func (r *gormStore) Create(dbc dbctx.Context, rows []*domain.Step) ([]*domain.Step, error) {
	if len(rows) == 0 {
		return []*domain.Step{}, nil
	}
	for _, s := range rows {
		if s.State == "" {
			s.State = domain.StepPending
		}
		if s.Type == "" {
			s.Type = domain.StepTypeNormal
		}
		if s.Queue == "" {
			s.Queue = "default"
		}
		if s.MaxAttempts <= 0 {
			s.MaxAttempts = 3
		}
		if s.BackoffSeconds <= 0 {
			s.BackoffSeconds = 10
		}
	}
	if err := r.conn(dbc).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *gormStore) GetByID(dbc dbctx.Context, id int64) (*domain.Step, error) {
	var s domain.Step
	err := r.conn(dbc).Where("id = ?", id).Limit(1).Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

// The barrier subquery intentionally ignores dormant compensators: a halted
// resolve-exception sibling must not wedge the rest of its block.
const readyQuery = `
SELECT * FROM steps s
WHERE s.queue = ?
  AND s.state IN ('pending','retrying')
  AND (s.next_run_at IS NULL OR s.next_run_at <= ?)
  AND NOT EXISTS (
    SELECT 1 FROM steps b
    WHERE b.block_uuid = s.block_uuid
      AND b."index" < s."index"
      AND b.state NOT IN ('completed','failed','cancelled','skipped')
      AND NOT (b.type = 'resolve-exception' AND b.state = 'halted')
  )
ORDER BY s.id
LIMIT ?
FOR UPDATE SKIP LOCKED
`

func (r *gormStore) SelectReady(dbc dbctx.Context, queue string, limit int) ([]*domain.Step, error) {
	if limit <= 0 {
		limit = 16
	}
	now := time.Now()
	var out []*domain.Step
	err := r.conn(dbc).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(readyQuery, queue, now, limit).Scan(&out).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(out))
		for _, s := range out {
			ids = append(ids, s.ID)
			s.DispatchedAt = &now
		}
		return tx.Model(&domain.Step{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{"dispatched_at": now, "updated_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const waitingParentQuery = `
SELECT * FROM steps s
WHERE s.queue = ?
  AND s.state = 'halted'
  AND s.child_block_uuid IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM steps c
    WHERE c.block_uuid = s.child_block_uuid
      AND c.state NOT IN ('completed','failed','cancelled','skipped')
      AND NOT (c.type = 'resolve-exception' AND c.state = 'halted')
  )
ORDER BY s.id
LIMIT ?
FOR UPDATE SKIP LOCKED
`

func (r *gormStore) SelectWaitingParents(dbc dbctx.Context, queue string, limit int) ([]*domain.Step, error) {
	if limit <= 0 {
		limit = 16
	}
	var out []*domain.Step
	err := r.conn(dbc).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(waitingParentQuery, queue, limit).Scan(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormStore) Claim(dbc dbctx.Context, step *domain.Step) (bool, error) {
	if step == nil || step.ID == 0 {
		return false, nil
	}
	now := time.Now()
	res := r.conn(dbc).Model(&domain.Step{}).
		Where("id = ? AND state IN ?", step.ID, []domain.StepState{domain.StepPending, domain.StepRetrying}).
		Updates(map[string]interface{}{
			"state":      domain.StepRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	step.State = domain.StepRunning
	step.Attempts++
	step.StartedAt = &now
	step.UpdatedAt = now
	return true, nil
}

// transition applies updates guarded by a state precondition. Terminal states
// are immutable; cancelled additionally shields against late writers.
func (r *gormStore) transition(dbc dbctx.Context, id int64, allowed []domain.StepState, updates map[string]interface{}) (bool, error) {
	if id == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.conn(dbc).Model(&domain.Step{}).
		Where("id = ? AND state IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

var liveStates = []domain.StepState{
	domain.StepPending, domain.StepRunning, domain.StepRetrying, domain.StepHalted,
}

func (r *gormStore) MarkCompleted(dbc dbctx.Context, id int64, lastError string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"state":       domain.StepCompleted,
		"finished_at": now,
		"updated_at":  now,
	}
	if lastError != "" {
		updates["last_error"] = truncateError(lastError)
	}
	return r.transition(dbc, id, []domain.StepState{domain.StepRunning, domain.StepHalted}, updates)
}

func (r *gormStore) MarkFailed(dbc dbctx.Context, id int64, kind domain.ErrorKind, msg string) (bool, error) {
	now := time.Now()
	return r.transition(dbc, id, liveStates, map[string]interface{}{
		"state":       domain.StepFailed,
		"last_error":  truncateError(string(kind) + ": " + msg),
		"finished_at": now,
		"updated_at":  now,
	})
}

func (r *gormStore) MarkRetrying(dbc dbctx.Context, id int64, nextRunAt time.Time, reason string) (bool, error) {
	return r.transition(dbc, id, []domain.StepState{domain.StepRunning}, map[string]interface{}{
		"state":       domain.StepRetrying,
		"next_run_at": nextRunAt,
		"last_error":  truncateError(reason),
	})
}

func (r *gormStore) MarkHalted(dbc dbctx.Context, id int64) (bool, error) {
	return r.transition(dbc, id, []domain.StepState{domain.StepRunning}, map[string]interface{}{
		"state": domain.StepHalted,
	})
}

func (r *gormStore) MarkSkipped(dbc dbctx.Context, id int64) (bool, error) {
	now := time.Now()
	return r.transition(dbc, id, []domain.StepState{domain.StepRunning, domain.StepHalted, domain.StepPending}, map[string]interface{}{
		"state":       domain.StepSkipped,
		"finished_at": now,
		"updated_at":  now,
	})
}

// ReclaimStale is the crash-recovery path: a running row can otherwise only
// be transitioned by the process that claimed it, so a dead worker would wedge
// the whole block behind the orphaned row.
func (r *gormStore) ReclaimStale(dbc dbctx.Context, queue string, olderThan time.Time) (int64, error) {
	var total int64
	err := r.conn(dbc).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var exhausted []*domain.Step
		if err := tx.Where("queue = ? AND state = ? AND started_at < ? AND attempts >= max_attempts",
			queue, domain.StepRunning, olderThan).Find(&exhausted).Error; err != nil {
			return err
		}
		for _, s := range exhausted {
			res := tx.Model(&domain.Step{}).
				Where("id = ? AND state = ?", s.ID, domain.StepRunning).
				Updates(map[string]interface{}{
					"state":       domain.StepFailed,
					"last_error":  truncateError(string(domain.ErrKindTimeout) + ": reclaimed stale running step, no attempts left"),
					"finished_at": now,
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			total += res.RowsAffected
			if err := tx.Model(&domain.Step{}).
				Where("block_uuid = ? AND type = ? AND state = ?", s.BlockUUID, domain.StepTypeResolveException, domain.StepHalted).
				Updates(map[string]interface{}{
					"state":      domain.StepPending,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&domain.Step{}).
			Where("queue = ? AND state = ? AND started_at < ? AND attempts < max_attempts",
				queue, domain.StepRunning, olderThan).
			Updates(map[string]interface{}{
				"state":       domain.StepRetrying,
				"next_run_at": now,
				"last_error":  "reclaimed stale running step",
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

func (r *gormStore) CancelBlocks(dbc dbctx.Context, blocks []uuid.UUID) (int64, error) {
	if len(blocks) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := r.conn(dbc).Model(&domain.Step{}).
		Where("block_uuid IN ? AND state NOT IN ?", blocks, terminalStates).
		Updates(map[string]interface{}{
			"state":       domain.StepCancelled,
			"finished_at": now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

func (r *gormStore) ChildrenStatus(dbc dbctx.Context, childBlock uuid.UUID) (ChildrenStatus, error) {
	var rows []struct {
		State domain.StepState
		N     int
	}
	err := r.conn(dbc).Model(&domain.Step{}).
		Select("state, count(*) as n").
		Where("block_uuid = ?", childBlock).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return ChildrenStatus{}, err
	}
	var cs ChildrenStatus
	for _, row := range rows {
		cs.Total += row.N
		switch row.State {
		case domain.StepCompleted:
			cs.Completed += row.N
		case domain.StepFailed:
			cs.Failed += row.N
		case domain.StepCancelled:
			cs.Cancelled += row.N
		case domain.StepSkipped:
			cs.Skipped += row.N
		default:
			cs.NonTerminal += row.N
		}
	}
	return cs, nil
}

func (r *gormStore) SiblingResolveException(dbc dbctx.Context, block uuid.UUID, excludeID int64) (*domain.Step, error) {
	var s domain.Step
	err := r.conn(dbc).
		Where("block_uuid = ? AND type = ? AND id <> ?", block, domain.StepTypeResolveException, excludeID).
		Order("id ASC").
		Limit(1).
		Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *gormStore) PromoteResolveException(dbc dbctx.Context, block uuid.UUID) (int64, error) {
	res := r.conn(dbc).Model(&domain.Step{}).
		Where("block_uuid = ? AND type = ? AND state = ?", block, domain.StepTypeResolveException, domain.StepHalted).
		Updates(map[string]interface{}{
			"state":      domain.StepPending,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *gormStore) SettleResolveException(dbc dbctx.Context, block uuid.UUID) (int64, error) {
	var live int64
	err := r.conn(dbc).Model(&domain.Step{}).
		Where("block_uuid = ? AND type = ? AND state NOT IN ?", block, domain.StepTypeNormal, terminalStates).
		Count(&live).Error
	if err != nil || live > 0 {
		return 0, err
	}
	var failed int64
	err = r.conn(dbc).Model(&domain.Step{}).
		Where("block_uuid = ? AND type = ? AND state IN ?", block, domain.StepTypeNormal,
			[]domain.StepState{domain.StepFailed}).
		Count(&failed).Error
	if err != nil || failed > 0 {
		return 0, err
	}
	now := time.Now()
	res := r.conn(dbc).Model(&domain.Step{}).
		Where("block_uuid = ? AND type = ? AND state = ?", block, domain.StepTypeResolveException, domain.StepHalted).
		Updates(map[string]interface{}{
			"state":       domain.StepSkipped,
			"finished_at": now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

func (r *gormStore) QueueDepth(dbc dbctx.Context) (map[string]int64, error) {
	var rows []struct {
		Queue string
		N     int64
	}
	err := r.conn(dbc).Model(&domain.Step{}).
		Select("queue, count(*) as n").
		Where("state NOT IN ?", terminalStates).
		Group("queue").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Queue] = row.N
	}
	return out, nil
}

const maxErrorLen = 2048

// truncateError cuts on a rune boundary so last_error stays valid UTF-8.
func truncateError(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
