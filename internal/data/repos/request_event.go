package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/pkg/dbctx"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

// RequestEventRepo is append-only: events are created and listed, never
// updated or deleted.
type RequestEventRepo interface {
	Create(dbc dbctx.Context, event *types.RequestEvent) (*types.RequestEvent, error)
	ListByRequest(dbc dbctx.Context, requestID uuid.UUID, limit int) ([]*types.RequestEvent, error)
}

type requestEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRequestEventRepo(db *gorm.DB, baseLog *logger.Logger) RequestEventRepo {
	return &requestEventRepo{
		db:  db,
		log: baseLog.With("repo", "RequestEventRepo"),
	}
}

func (r *requestEventRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *requestEventRepo) Create(dbc dbctx.Context, event *types.RequestEvent) (*types.RequestEvent, error) {
	if event == nil {
		return nil, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

func (r *requestEventRepo) ListByRequest(dbc dbctx.Context, requestID uuid.UUID, limit int) ([]*types.RequestEvent, error) {
	var out []*types.RequestEvent
	if requestID == uuid.Nil {
		return out, nil
	}
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
