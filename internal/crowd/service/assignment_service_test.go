package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSubmitCompletesTaskAtRedundancy(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, tasks := testutil.SeedBatch(t, env.db, project, 2, rows("a")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))
	bob := WorkerFromUser(testutil.SeedUser(t, env.db, "bob", false))

	a1 := env.accept(t, batch.ID, alice)
	task := env.submit(t, a1, alice, map[string]string{"answer": "yes", "csrfmiddlewaretoken": "tok"})
	assert.False(t, task.Completed)

	a2 := env.accept(t, batch.ID, bob)
	task = env.submit(t, a2, bob, map[string]string{"answer": "no"})
	assert.True(t, task.Completed)

	var stored entity.Task
	require.NoError(t, env.db.First(&stored, tasks[0].ID).Error)
	assert.True(t, stored.Completed)

	var saved entity.TaskAssignment
	require.NoError(t, env.db.First(&saved, a1.ID).Error)
	assert.True(t, saved.Completed)
	assert.Equal(t, entity.Fields{"answer": "yes"}, saved.Answers)

	stats, err := env.svc.Batch.Stats(ctx, batch.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTasks)
	assert.Equal(t, int64(1), stats.TotalFinishedTasks)
	assert.Equal(t, int64(2), stats.TotalFinishedAssignment)
	assert.Equal(t, 0, stats.AvailableForCaller)
}

func TestSubmitByAnotherUserRejected(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))
	bob := WorkerFromUser(testutil.SeedUser(t, env.db, "bob", false))

	a := env.accept(t, batch.ID, alice)
	_, _, err := env.svc.Assignment.Submit(context.Background(), a.TaskID, a.ID, bob, map[string]string{"answer": "x"})
	assert.ErrorIs(t, err, ErrNotAssignee)

	_, _, err = env.svc.Assignment.Submit(context.Background(), a.TaskID, a.ID, Anonymous(), map[string]string{"answer": "x"})
	assert.ErrorIs(t, err, ErrNotAssignee)
}

func TestAssignmentMustBelongToTask(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, tasks := testutil.SeedBatch(t, env.db, project, 1, rows("a", "b")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))

	a := env.accept(t, batch.ID, alice)
	_, _, err := env.svc.Assignment.Get(context.Background(), tasks[1].ID, a.ID, alice)
	assert.ErrorIs(t, err, ErrAssignmentNotFound)

	_, _, err = env.svc.Assignment.Get(context.Background(), 999, a.ID, alice)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReturnMakesTaskAvailableAgain(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, tasks := testutil.SeedBatch(t, env.db, project, 1, rows("a")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))
	bob := WorkerFromUser(testutil.SeedUser(t, env.db, "bob", false))

	a := env.accept(t, batch.ID, alice)
	_, err := env.svc.Assignment.Return(ctx, a.TaskID, a.ID, bob)
	assert.ErrorIs(t, err, ErrNotAssignee)

	_, err = env.svc.Assignment.Return(ctx, a.TaskID, a.ID, alice)
	require.NoError(t, err)

	again := env.accept(t, batch.ID, bob)
	assert.Equal(t, tasks[0].ID, again.TaskID)

	env.submit(t, again, bob, map[string]string{"answer": "done"})
	_, err = env.svc.Assignment.Return(ctx, again.TaskID, again.ID, bob)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestAnonymousReturn(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Open", answerTemplate, false)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))

	a := env.accept(t, batch.ID, Anonymous())
	_, err := env.svc.Assignment.Return(ctx, a.TaskID, a.ID, alice)
	assert.ErrorIs(t, err, ErrNotAssignee)

	_, err = env.svc.Assignment.Return(ctx, a.TaskID, a.ID, Anonymous())
	require.NoError(t, err)
}

func TestExpireAbandonedDeletesOnlyPastDueOpenAssignments(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a", "b", "c")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))

	open := env.accept(t, batch.ID, alice)
	done := env.accept(t, batch.ID, alice)
	env.submit(t, done, alice, map[string]string{"answer": "ok"})

	n, err := env.svc.Assignment.ExpireAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// 超过批次时限
	env.svc.Assignment.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err = env.svc.Assignment.ExpireAbandonedInBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var count int64
	env.db.Model(&entity.TaskAssignment{}).Where("id = ?", open.ID).Count(&count)
	assert.Equal(t, int64(0), count)
	env.db.Model(&entity.TaskAssignment{}).Where("id = ?", done.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	outstanding, err := env.svc.Assignment.ListOutstanding(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestListOutstanding(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a", "b")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))

	a := env.accept(t, batch.ID, alice)
	outstanding, err := env.svc.Assignment.ListOutstanding(ctx, alice)
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, a.ID, outstanding[0].ID)
	require.NotNil(t, outstanding[0].Task)
	assert.Equal(t, "Labels", outstanding[0].Task.Batch.Project.Name)

	anon, err := env.svc.Assignment.ListOutstanding(ctx, Anonymous())
	require.NoError(t, err)
	assert.Empty(t, anon)
}

func TestSubmitTakesBatchLock(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, tasks := testutil.SeedBatch(t, env.db, project, 1, rows("a")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))
	a := env.accept(t, batch.ID, alice)

	var (
		locked bool
		busy   = true
	)
	err := env.db.Callback().Raw().Before("gorm:raw").Register("test:batch_lock", func(tx *gorm.DB) {
		if !strings.Contains(tx.Statement.SQL.String(), "UPDATE batches SET id = id") {
			return
		}
		locked = true
		if busy {
			tx.AddError(errors.New("database is locked"))
		}
	})
	require.NoError(t, err)

	// 锁竞争时整个提交回滚
	_, _, err = env.svc.Assignment.Submit(ctx, a.TaskID, a.ID, alice, map[string]string{"answer": "yes"})
	assert.ErrorIs(t, err, ErrDatabaseBusy)
	assert.True(t, locked)
	var stored entity.TaskAssignment
	require.NoError(t, env.db.First(&stored, a.ID).Error)
	assert.False(t, stored.Completed)

	busy = false
	task := env.submit(t, a, alice, map[string]string{"answer": "yes"})
	assert.True(t, task.Completed)
	var storedTask entity.Task
	require.NoError(t, env.db.First(&storedTask, tasks[0].ID).Error)
	assert.True(t, storedTask.Completed)
}
