package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// StageMetric is a per-stage aggregate over a time window, consumed by the
// monitoring read API.
type StageMetric struct {
	StageName     string  `json:"stage_name"`
	Executions    int64   `json:"executions"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Skipped       int64   `json:"skipped"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	FailureRate   float64 `json:"failure_rate"`
}

type StageExecutionRepo interface {
	Create(dbc dbctx.Context, exec *types.StageExecution) (*types.StageExecution, error)
	GetActive(dbc dbctx.Context, requestID uuid.UUID, stageName string) (*types.StageExecution, error)
	ListByRequest(dbc dbctx.Context, requestID uuid.UUID) ([]*types.StageExecution, error)
	CountFailedForStage(dbc dbctx.Context, requestID uuid.UUID, stageName string) (int64, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	StageMetrics(dbc dbctx.Context, window time.Duration) ([]StageMetric, error)
}

type stageExecutionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageExecutionRepo(db *gorm.DB, baseLog *logger.Logger) StageExecutionRepo {
	return &stageExecutionRepo{
		db:  db,
		log: baseLog.With("repo", "StageExecutionRepo"),
	}
}

func (r *stageExecutionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stageExecutionRepo) Create(dbc dbctx.Context, exec *types.StageExecution) (*types.StageExecution, error) {
	if exec == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(exec).Error; err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *stageExecutionRepo) GetActive(dbc dbctx.Context, requestID uuid.UUID, stageName string) (*types.StageExecution, error) {
	if requestID == uuid.Nil || stageName == "" {
		return nil, nil
	}
	var exec types.StageExecution
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("request_id = ? AND stage_name = ? AND status = ?", requestID, stageName, string(types.StageStatusInProgress)).
		Order("created_at DESC").
		Limit(1).
		Find(&exec).Error
	if err != nil {
		return nil, err
	}
	if exec.ID == uuid.Nil {
		return nil, nil
	}
	return &exec, nil
}

func (r *stageExecutionRepo) ListByRequest(dbc dbctx.Context, requestID uuid.UUID) ([]*types.StageExecution, error) {
	var out []*types.StageExecution
	if requestID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageExecutionRepo) CountFailedForStage(dbc dbctx.Context, requestID uuid.UUID, stageName string) (int64, error) {
	if requestID == uuid.Nil || stageName == "" {
		return 0, nil
	}
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.StageExecution{}).
		Where("request_id = ? AND stage_name = ? AND status = ?", requestID, stageName, string(types.StageStatusFailed)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *stageExecutionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.StageExecution{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *stageExecutionRepo) StageMetrics(dbc dbctx.Context, window time.Duration) ([]StageMetric, error) {
	if window <= 0 {
		window = time.Hour
	}
	cutoff := time.Now().Add(-window)

	type row struct {
		StageName     string
		Executions    int64
		Completed     int64
		Failed        int64
		Skipped       int64
		AvgDurationMS float64
	}
	var rows []row
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.StageExecution{}).
		Select(`
      stage_name,
      COUNT(*) AS executions,
      COUNT(*) FILTER (WHERE status = 'completed') AS completed,
      COUNT(*) FILTER (WHERE status = 'failed') AS failed,
      COUNT(*) FILTER (WHERE status = 'skipped') AS skipped,
      COALESCE(AVG(duration_ms) FILTER (WHERE status IN ('completed','failed')), 0) AS avg_duration_ms
    `).
		Where("created_at >= ?", cutoff).
		Group("stage_name").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]StageMetric, 0, len(rows))
	for _, v := range rows {
		m := StageMetric{
			StageName:     v.StageName,
			Executions:    v.Executions,
			Completed:     v.Completed,
			Failed:        v.Failed,
			Skipped:       v.Skipped,
			AvgDurationMS: v.AvgDurationMS,
		}
		attempted := v.Completed + v.Failed
		if attempted > 0 {
			m.FailureRate = float64(v.Failed) / float64(attempted)
		}
		out = append(out, m)
	}
	return out, nil
}
