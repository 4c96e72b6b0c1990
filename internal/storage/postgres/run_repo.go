package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sandboxq/internal/protocol"
	"github.com/jkaninda/sandboxq/internal/status"
)

// RunRepository implements status.Backend over the sandbox_runs table.
// The same repository serves the SQLite backend; GORM's dialect handles the
// SQL differences.
type RunRepository struct {
	db   *gorm.DB
	name string
}

// NewRunRepository creates a RunRepository. name labels the backend in logs
// and metrics ("postgres" or "sqlite").
func NewRunRepository(db *gorm.DB, name string) *RunRepository {
	return &RunRepository{db: db, name: name}
}

func (r *RunRepository) Name() string { return r.name }

// Load retrieves the run row for sessionID. A missing row is not an error.
func (r *RunRepository) Load(ctx context.Context, sessionID string) (status.Document, error) {
	var model RunModel
	err := r.db.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return status.Document{}, nil
	}
	if err != nil {
		return status.Document{}, fmt.Errorf("getting run %s: %w", sessionID, err)
	}
	rec, err := toRecord(&model)
	if err != nil {
		return status.Document{}, err
	}
	return status.Document{
		Record:   rec,
		Version:  model.Version,
		Revision: fmt.Sprintf("%d", model.Version),
	}, nil
}

// Save inserts the first version of a row or updates the row still at
// prev.Version. Zero affected rows means another writer won.
func (r *RunRepository) Save(ctx context.Context, rec *status.Record, prev status.Document, next int64) error {
	model, err := toRunModel(rec, next)
	if err != nil {
		return err
	}

	var result *gorm.DB
	if !prev.Exists() {
		result = r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model)
	} else {
		result = r.db.WithContext(ctx).
			Model(&RunModel{}).
			Where("session_id = ? AND version = ?", rec.SessionID, prev.Version).
			Updates(map[string]any{
				"version":    model.Version,
				"action":     model.Action,
				"status":     model.Status,
				"message":    model.Message,
				"error":      model.Error,
				"logs":       model.Logs,
				"output":     model.Output,
				"updated_at": model.UpdatedAt,
			})
	}

	if result.Error != nil {
		if isConflict(result.Error) {
			return fmt.Errorf("saving run %s: %w", rec.SessionID, protocol.ErrConflict)
		}
		return fmt.Errorf("saving run %s: %w", rec.SessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s moved past version %d: %w", rec.SessionID, prev.Version, protocol.ErrConflict)
	}
	return nil
}

// isConflict classifies driver errors that mean a concurrent writer won:
// PostgreSQL serialization failure and unique violation, SQLite busy.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
