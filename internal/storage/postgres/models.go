package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores the same value as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	return nil
}

// RunModel maps to the "sandbox_runs" table: one row per session, rewritten
// whole on every transition. Version guards concurrent writers.
type RunModel struct {
	SessionID string    `gorm:"primaryKey;size:255"`
	Version   int64     `gorm:"not null;default:0"`
	Action    string    `gorm:"size:64;not null"`
	Status    string    `gorm:"size:16;not null;index"`
	Message   string    `gorm:"type:text"`
	Error     string    `gorm:"type:text"`
	Logs      JSONB     `gorm:"type:jsonb"`
	Output    JSONB     `gorm:"type:jsonb"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (RunModel) TableName() string { return "sandbox_runs" }
