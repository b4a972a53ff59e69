package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }

func TestCreateProjectDefaults(t *testing.T) {
	env := setupServices(t, nil)
	admin := testutil.SeedUser(t, env.db, "admin", true)

	project, err := env.svc.Project.Create(context.Background(), ProjectInput{
		Name:         strPtr("Labels"),
		HTMLTemplate: strPtr(`<p>${name} ${url}</p><input type="submit" value="Go">`),
	}, admin.ID)
	require.NoError(t, err)
	assert.True(t, project.Active)
	assert.True(t, project.LoginRequired)
	assert.Equal(t, 1, project.AssignmentsPerTask)
	assert.True(t, project.HTMLTemplateHasSubmitButton)
	assert.Equal(t, entity.NameSet{"name": true, "url": true}, project.Fieldnames)

	stored, err := env.svc.Project.Get(context.Background(), project.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
	assert.Equal(t, entity.NameSet{"name": true, "url": true}, stored.Fieldnames)
}

func TestCreateProjectValidation(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()

	_, err := env.svc.Project.Create(ctx, ProjectInput{HTMLTemplate: strPtr("x")}, 0)
	var verr *entity.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)

	_, err = env.svc.Project.Create(ctx, ProjectInput{
		Name:               strPtr("Open"),
		HTMLTemplate:       strPtr("x"),
		LoginRequired:      boolPtr(false),
		AssignmentsPerTask: intPtr(2),
	}, 0)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "assignments_per_task", verr.Field)
}

func TestUpdateProjectRefreshesTemplate(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	assert.False(t, project.HTMLTemplateHasSubmitButton)

	updated, err := env.svc.Project.Update(ctx, project.ID, ProjectInput{
		HTMLTemplate: strPtr(`${city}<input type="submit">`),
		Active:       boolPtr(false),
	}, 0)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.True(t, updated.HTMLTemplateHasSubmitButton)
	assert.Equal(t, entity.NameSet{"city": true}, updated.Fieldnames)

	_, err = env.svc.Project.Update(ctx, 999, ProjectInput{}, 0)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestGrantAndRevokeWorker(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	user := testutil.SeedUser(t, env.db, "worker", false)
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)

	require.NoError(t, env.svc.Project.GrantWorker(ctx, project.ID, user.ID))
	// 重复授权忽略
	require.NoError(t, env.svc.Project.GrantWorker(ctx, project.ID, user.ID))
	assert.ErrorIs(t, env.svc.Project.GrantWorker(ctx, project.ID, 999), ErrUserNotFound)

	require.NoError(t, env.svc.Project.RevokeWorker(ctx, project.ID, user.ID))
	ids, err := env.svc.Project.ListWorkers(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateProjectKeepsBatchRedundancyInvariant(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Redundant", answerTemplate, true)
	batch, _ := testutil.SeedBatch(t, env.db, project, 3, rows("a")...)

	_, err := env.svc.Project.Update(ctx, project.ID, ProjectInput{LoginRequired: boolPtr(false)}, 0)
	var verr *entity.ValidationError
	require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
	assert.Equal(t, "login_required", verr.Field)

	stored, err := env.svc.Project.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.True(t, stored.LoginRequired)

	// 匿名访问者仍然无法领取
	_, err = env.svc.Allocation.AcceptNextTask(ctx, batch.ID, Anonymous(), nil)
	assert.ErrorIs(t, err, ErrNoTaskAvailable)

	// 冗余度降为 1 后允许关闭登录
	_, err = env.svc.Batch.Update(ctx, batch.ID, UpdateBatchInput{AssignmentsPerTask: intPtr(1)})
	require.NoError(t, err)
	updated, err := env.svc.Project.Update(ctx, project.ID, ProjectInput{LoginRequired: boolPtr(false)}, 0)
	require.NoError(t, err)
	assert.False(t, updated.LoginRequired)
}
