package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

type ContentRequestRepo interface {
	Create(dbc dbctx.Context, req *types.ContentRequest) (*types.ContentRequest, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ContentRequest, error)
	GetByCorrelationID(dbc dbctx.Context, correlationID string) (*types.ContentRequest, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	ClaimNextRunnable(dbc dbctx.Context, staleProcessing time.Duration) (*types.ContentRequest, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	ListActive(dbc dbctx.Context, limit int) ([]*types.ContentRequest, error)
}

type contentRequestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentRequestRepo(db *gorm.DB, baseLog *logger.Logger) ContentRequestRepo {
	return &contentRequestRepo{
		db:  db,
		log: baseLog.With("repo", "ContentRequestRepo"),
	}
}

// Statuses a request passes through while a worker owns it. Used by the
// stale-claim recovery branch of ClaimNextRunnable.
var processingStatuses = []string{
	string(types.StatusValidating),
	string(types.StatusRetrieving),
	string(types.StatusGeneratingScript),
	string(types.StatusGeneratingAudio),
	string(types.StatusGeneratingVideo),
	string(types.StatusProcessingOutput),
}

var terminalStatuses = []string{
	string(types.StatusCompleted),
	string(types.StatusFailed),
	string(types.StatusClarificationNeeded),
}

func (r *contentRequestRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *contentRequestRepo) Create(dbc dbctx.Context, req *types.ContentRequest) (*types.ContentRequest, error) {
	if req == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(req).Error; err != nil {
		return nil, err
	}
	return req, nil
}

func (r *contentRequestRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ContentRequest, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var req types.ContentRequest
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		return nil, nil
	}
	return &req, nil
}

func (r *contentRequestRepo) GetByCorrelationID(dbc dbctx.Context, correlationID string) (*types.ContentRequest, error) {
	if correlationID == "" {
		return nil, nil
	}
	var req types.ContentRequest
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("correlation_id = ?", correlationID).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		return nil, nil
	}
	return &req, nil
}

func (r *contentRequestRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.ContentRequest{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *contentRequestRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.ContentRequest{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimNextRunnable picks the oldest pending request, or a processing request
// whose worker stopped heartbeating, and stamps the claim. SKIP LOCKED keeps
// concurrent workers from claiming the same row.
func (r *contentRequestRepo) ClaimNextRunnable(dbc dbctx.Context, staleProcessing time.Duration) (*types.ContentRequest, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleProcessing)
	var claimed *types.ContentRequest
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var req types.ContentRequest
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          AND (locked_at IS NULL OR locked_at < ?)
        )
        OR (
          status IN ?
          AND heartbeat_at IS NOT NULL
          AND heartbeat_at < ?
        )
      `, string(types.StatusPending), staleCutoff, processingStatuses, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&req).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.ContentRequest{}).
			Where("id = ?", req.ID).
			Updates(map[string]interface{}{
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *contentRequestRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.ContentRequest{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *contentRequestRepo) ListActive(dbc dbctx.Context, limit int) ([]*types.ContentRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.ContentRequest
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
