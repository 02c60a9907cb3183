package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kbswarm/agentstate/internal/models"
)

// AuditMode selects how an audit write relates to the mutation it describes.
type AuditMode int

const (
	// AuditIndependent writes the record in its own short transaction.
	// Failures are logged and never abort the primary mutation.
	AuditIndependent AuditMode = iota
	// AuditCoupled appends the record to the caller's transaction, so it
	// commits and rolls back together with the mutation.
	AuditCoupled
)

// AuditLogger appends immutable change records. A record is silently skipped
// when its session row does not exist yet: session creation commits first and
// is audited as a separate step afterwards.
type AuditLogger struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewAuditLogger(db *gorm.DB, log *logrus.Logger) *AuditLogger {
	return &AuditLogger{db: db, log: log}
}

// Record appends one audit row. tx carries the caller's transaction when mode
// is AuditCoupled and is ignored otherwise. In coupled mode a failed write is
// returned so the surrounding transaction rolls back; in independent mode it
// is logged only.
func (a *AuditLogger) Record(ctx context.Context, tx *gorm.DB, mode AuditMode,
	sessionID string, ct models.ChangeType, path string, oldValue, newValue any, actor string) error {

	rec, err := newAuditRecord(sessionID, ct, path, oldValue, newValue, actor)
	if err != nil {
		if mode == AuditCoupled && tx != nil {
			return err
		}
		a.warn(sessionID, path, err)
		return nil
	}

	if mode == AuditCoupled && tx != nil {
		return appendAudit(tx, rec)
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendAudit(tx, rec)
	})
	if err != nil {
		a.warn(sessionID, path, err)
	}
	return nil
}

func (a *AuditLogger) warn(sessionID, path string, err error) {
	a.log.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"change_path": path,
	}).WithError(err).Error("audit write failed")
}

func appendAudit(tx *gorm.DB, rec *models.AuditRecord) error {
	var n int64
	if err := tx.Model(&models.SessionState{}).
		Where("session_id = ?", rec.SessionID).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		// Bootstrap window: the session row has not committed yet.
		return nil
	}
	return tx.Create(rec).Error
}

func newAuditRecord(sessionID string, ct models.ChangeType, path string,
	oldValue, newValue any, actor string) (*models.AuditRecord, error) {

	oldDoc, err := jsonValue(oldValue)
	if err != nil {
		return nil, err
	}
	newDoc, err := jsonValue(newValue)
	if err != nil {
		return nil, err
	}
	return &models.AuditRecord{
		SessionID:       sessionID,
		ChangeType:      ct,
		ChangePath:      path,
		OldValue:        oldDoc,
		NewValue:        newDoc,
		AgentName:       actor,
		ChangeTimestamp: time.Now().UTC(),
		CorrelationID:   uuid.NewString(),
	}, nil
}

// jsonValue marshals v into a JSON column value; nil stays NULL.
func jsonValue(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
