package services

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kbswarm/agentstate/internal/state"
	"github.com/kbswarm/agentstate/internal/utils"
)

// newTestService wires a service over a throwaway sqlite backend with the
// cache disabled, which is the degraded path production falls back to when
// Redis is not configured.
func newTestService(t *testing.T) StateService {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	dsn := filepath.Join(t.TempDir(), "service.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := state.NewStore(db, log)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStateService(store, nil, log)
}

func TestServiceInitializeAndExport(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sc, err := svc.Initialize(ctx, "s1", "kb-1")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if sc.KnowledgeBaseID != "kb-1" {
		t.Fatalf("knowledge_base_id = %q", sc.KnowledgeBaseID)
	}

	flat, err := svc.Export(ctx, "s1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if flat["knowledge_base_id"] != "kb-1" {
		t.Fatalf("exported knowledge_base_id = %v", flat["knowledge_base_id"])
	}
}

func TestServiceRequiresSessionID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, "", ""); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := svc.SessionContext(ctx, ""); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestServiceRejectsEmptyUpdates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, "s1", ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := svc.UpdateSession(ctx, "s1", "A", nil); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
	if _, err := svc.AppendMessage(ctx, "s1", "", "hello", "A", nil, nil); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestServiceMissingSessionIsNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SessionContext(ctx, "absent"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
	if _, err := svc.AgentContext(ctx, "absent"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestServiceClassifyIntentPersists(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, "s1", ""); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := svc.ClassifyIntent(ctx, "s1", "create a new article about testing", "UserProxy")
	if err != nil {
		t.Fatalf("ClassifyIntent: %v", err)
	}
	if res.Intent != "create_content" {
		t.Fatalf("intent = %q", res.Intent)
	}

	sc, err := svc.SessionContext(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionContext: %v", err)
	}
	if sc.UserIntent != "create_content" {
		t.Fatalf("persisted intent = %q", sc.UserIntent)
	}
	if sc.IntentConfidence == nil || *sc.IntentConfidence != res.Confidence {
		t.Fatalf("persisted confidence = %v, classified %v", sc.IntentConfidence, res.Confidence)
	}

	if _, err := svc.ClassifyIntent(ctx, "s1", "", "UserProxy"); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Fatalf("err = %v, want INVALID_ARGUMENT", err)
	}
}
