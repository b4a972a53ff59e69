package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatchFromCSV(t *testing.T) {
	archive := newMemArchive()
	env := setupServices(t, archive)
	ctx := context.Background()
	admin := testutil.SeedUser(t, env.db, "admin", true)
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)

	data := []byte("name,extra\nalice,1\nbob,2\n")
	batch, created, err := env.svc.Batch.Create(ctx, CreateBatchInput{
		ProjectID:          project.ID,
		Name:               "first",
		Filename:           "uploads/people.csv",
		AssignmentsPerTask: 3,
		Data:               data,
	}, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, "people.csv", batch.Filename)
	assert.Equal(t, 3, batch.AssignmentsPerTask)
	assert.Equal(t, entity.DefaultAllottedAssignmentTime, batch.AllottedAssignmentTime)
	assert.True(t, batch.Active)
	require.NotNil(t, batch.CreatedByID)
	assert.Equal(t, admin.ID, *batch.CreatedByID)

	var tasks []entity.Task
	require.NoError(t, env.db.Where("batch_id = ?", batch.ID).Order("id").Find(&tasks).Error)
	require.Len(t, tasks, 2)
	assert.Equal(t, entity.Fields{"name": "alice", "extra": "1"}, tasks[0].InputCSVFields)

	// 原始文件已归档，可读回
	require.NotEmpty(t, batch.FileObject)
	rc, stored, err := env.svc.Batch.OpenUpload(ctx, batch.ID)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, batch.ID, stored.ID)
}

func TestCreateBatchRejectsMissingTemplateFields(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)

	_, _, err := env.svc.Batch.Create(context.Background(), CreateBatchInput{
		ProjectID: project.ID,
		Name:      "bad",
		Filename:  "x.csv",
		Data:      []byte("other\n1\n"),
	}, 0)
	var verr *entity.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "csv_file", verr.Field)
	assert.True(t, strings.Contains(verr.Message, "name"))
}

func TestCreateBatchRedundancyNeedsLogin(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Open", answerTemplate, false)

	_, _, err := env.svc.Batch.Create(context.Background(), CreateBatchInput{
		ProjectID:          project.ID,
		Name:               "bad",
		Filename:           "x.csv",
		AssignmentsPerTask: 2,
		Data:               []byte("name\n1\n"),
	}, 0)
	var verr *entity.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "assignments_per_task", verr.Field)

	var count int64
	env.db.Model(&entity.Batch{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestBatchHookRejectsDirectWrites(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Open", answerTemplate, false)

	batch := &entity.Batch{Name: "direct", ProjectID: project.ID, Active: true, AssignmentsPerTask: 2}
	err := env.db.Create(batch).Error
	var verr *entity.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestUpdateBatchValidates(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Open", answerTemplate, false)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a")...)

	two := 2
	_, err := env.svc.Batch.Update(ctx, batch.ID, UpdateBatchInput{AssignmentsPerTask: &two})
	var verr *entity.ValidationError
	require.True(t, errors.As(err, &verr))

	name := "renamed"
	hours := 2
	updated, err := env.svc.Batch.Update(ctx, batch.ID, UpdateBatchInput{Name: &name, AllottedAssignmentTime: &hours})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 2, updated.AllottedAssignmentTime)
}

func TestOpenUploadWithoutArchive(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a")...)

	_, _, err := env.svc.Batch.OpenUpload(context.Background(), batch.ID)
	assert.ErrorIs(t, err, ErrStorageDisabled)

	err = env.svc.Batch.SetActive(context.Background(), 999, true)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}
