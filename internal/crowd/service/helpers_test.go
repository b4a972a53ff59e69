package service

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"github.com/bitfantasy/taskhub/internal/crowd/sse"
	"github.com/bitfantasy/taskhub/internal/crowd/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const answerTemplate = `<p>${name}</p><input type="text" name="answer">`

type testEnv struct {
	db    *gorm.DB
	repos *repository.Repositories
	svc   *Services
	hub   *sse.Hub
}

func setupServices(t *testing.T, archive Archive) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	repos := repository.NewRepositories(db)
	hub := sse.NewHub(zap.NewNop())
	svc := NewServices(repos, archive, hub, testutil.TestConfig(), zap.NewNop())
	return &testEnv{db: db, repos: repos, svc: svc, hub: hub}
}

func (e *testEnv) accept(t *testing.T, batchID uint, w Worker) *entity.TaskAssignment {
	t.Helper()
	res, err := e.svc.Allocation.AcceptNextTask(context.Background(), batchID, w, nil)
	if err != nil {
		t.Fatalf("accept next task in batch %d: %v", batchID, err)
	}
	return res.Assignment
}

func (e *testEnv) submit(t *testing.T, a *entity.TaskAssignment, w Worker, answers map[string]string) *entity.Task {
	t.Helper()
	task, _, err := e.svc.Assignment.Submit(context.Background(), a.TaskID, a.ID, w, answers)
	if err != nil {
		t.Fatalf("submit assignment %d: %v", a.ID, err)
	}
	return task
}

func rows(names ...string) []map[string]string {
	out := make([]map[string]string, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]string{"name": n})
	}
	return out
}

// memArchive 内存归档，替代 MinIO
type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemArchive() *memArchive {
	return &memArchive{objects: make(map[string][]byte)}
}

func (a *memArchive) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = data
	return nil
}

func (a *memArchive) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[key]
	if !ok {
		return nil, ErrUploadNotArchived
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
