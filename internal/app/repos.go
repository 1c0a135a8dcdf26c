package app

import (
	"gorm.io/gorm"

	"github.com/classreel/classreel-backend/internal/data/repos"
	"github.com/classreel/classreel-backend/internal/pkg/logger"
)

type Repos struct {
	ContentRequest repos.ContentRequestRepo
	StageExecution repos.StageExecutionRepo
	RequestEvent   repos.RequestEventRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		ContentRequest: repos.NewContentRequestRepo(db, log),
		StageExecution: repos.NewStageExecutionRepo(db, log),
		RequestEvent:   repos.NewRequestEventRepo(db, log),
	}
}
