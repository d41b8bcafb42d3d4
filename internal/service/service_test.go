package service

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/adamanteye/veloquent-core/internal/db"
	"github.com/adamanteye/veloquent-core/internal/models"
	"github.com/adamanteye/veloquent-core/internal/task"
	"github.com/adamanteye/veloquent-core/internal/ws"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB opens an isolated sqlite database for one test.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// testEnv bundles the shared collaborators of the services under test.
type testEnv struct {
	db    *gorm.DB
	hub   *ws.Hub
	tasks *task.Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{db: openTestDB(t), hub: ws.NewHub(), tasks: task.New(1, 64)}
}

// drain waits for all queued background tasks to finish.
// The pool cannot be reused afterwards.
func (e *testEnv) drain() {
	e.tasks.Stop()
}

// sync blocks until every previously queued task has run.
// Relies on the single test worker draining jobs in order.
func (e *testEnv) sync() {
	done := make(chan struct{})
	e.tasks.Go(func() { close(done) })
	<-done
}

func (e *testEnv) createUser(t *testing.T, name string) uuid.UUID {
	t.Helper()
	u := models.User{Name: name, PasswordHash: "x"}
	if err := e.db.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u.ID
}

// fakeConn records pushed notifications for assertions.
type fakeConn struct {
	mu   sync.Mutex
	msgs []ws.Notification
}

func (f *fakeConn) Push(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n ws.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	f.msgs = append(f.msgs, n)
	return nil
}

func (f *fakeConn) received(typ string) []ws.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Notification
	for _, n := range f.msgs {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func wantCode(t *testing.T, err error, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %d, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("error code = %d, want %d (err: %v)", got, code, err)
	}
}
