package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/fault"
)

func (s *Store) CreateTask(ctx context.Context, t *types.Task) (bool, error) {
	if t == nil || t.TaskType == "" {
		return false, fault.New(fault.KindInvalidArgument, "task type required")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.RetryAt.IsZero() {
		t.RetryAt = now
	}

	q := s.db.WithContext(ctx).Model(&types.Task{})
	if t.TaskName != nil {
		// Singleton tasks: the unique task_name index makes the repeat
		// insert a no-op.
		q = q.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_name"}}, DoNothing: true})
	}
	res := q.Create(t)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) ClaimTasks(ctx context.Context, now time.Time, batchSize int, staleClaim time.Duration) ([]*types.Task, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	staleCutoff := now.Add(-staleClaim)

	var claimed []*types.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []*types.Task
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("retry_at <= ? AND (processing_at IS NULL OR processing_at < ?)", now, staleCutoff).
			Order("retry_at ASC, created_at ASC").
			Limit(batchSize).
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for _, t := range rows {
			ids = append(ids, t.ID)
		}
		if err := tx.Model(&types.Task{}).
			Where("id IN ?", ids).
			Update("processing_at", now).Error; err != nil {
			return err
		}
		for _, t := range rows {
			at := now
			t.ProcessingAt = &at
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return claimed, nil
}

func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing task id")
	}
	return translate(s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.Task{}).Error)
}

func (s *Store) FailTask(ctx context.Context, id uuid.UUID, lastError string, retryAt time.Time) error {
	if id == uuid.Nil {
		return fault.New(fault.KindInvalidArgument, "missing task id")
	}
	return translate(s.db.WithContext(ctx).Model(&types.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error":    lastError,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"retry_at":      retryAt.UTC(),
			"processing_at": nil,
		}).Error)
}
