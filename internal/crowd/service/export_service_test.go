package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/bitfantasy/taskhub/internal/crowd/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestBatchResultsHeaderAndRows(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "Labels", answerTemplate, true)
	batch, tasks := testutil.SeedBatch(t, env.db, project, 1,
		map[string]string{"name": "a", "url": "http://a"},
		map[string]string{"name": "b", "url": "http://b"},
		map[string]string{"name": "c", "url": "http://c"},
	)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))

	a1 := env.accept(t, batch.ID, alice)
	a2 := env.accept(t, batch.ID, alice)
	env.submit(t, a2, alice, map[string]string{"answer": "second", "comment": "hm"})
	env.submit(t, a1, alice, map[string]string{"answer": "first"})

	res, err := env.svc.Export.BatchResults(ctx, batch.ID)
	require.NoError(t, err)

	wantHeader := append(append([]string{}, MetadataColumns...),
		"Input.name", "Input.url", "Answer.answer", "Answer.comment")
	assert.Equal(t, wantHeader, res.Header)
	assert.Equal(t, fmt.Sprintf("input-Batch_%d_results.csv", batch.ID), res.Filename)

	// 未领取的任务不产生行，行按任务ID升序
	require.Len(t, res.Rows, 2)
	col := func(name string) int {
		for i, h := range res.Header {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %s missing", name)
		return -1
	}
	assert.Equal(t, fmt.Sprint(tasks[0].ID), res.Rows[0][col("HITId")])
	assert.Equal(t, "first", res.Rows[0][col("Answer.answer")])
	assert.Equal(t, "", res.Rows[0][col("Answer.comment")])
	assert.Equal(t, "second", res.Rows[1][col("Answer.answer")])
	assert.Equal(t, "http://b", res.Rows[1][col("Input.url")])
	assert.Equal(t, fmt.Sprint(alice.UserID), res.Rows[0][col("WorkerId")])
	assert.Equal(t, "Labels", res.Rows[0][col("Title")])
	assert.Equal(t, "86400", res.Rows[0][col("AssignmentDurationInSeconds")])
	assert.Equal(t, "1", res.Rows[0][col("MaxAssignments")])
}

func TestBatchResultsSkipsOpenAssignments(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Open", answerTemplate, false)
	batch, _ := testutil.SeedBatch(t, env.db, project, 1, rows("a", "b")...)

	done := env.accept(t, batch.ID, Anonymous())
	env.accept(t, batch.ID, Anonymous())
	env.submit(t, done, Anonymous(), map[string]string{"answer": "x"})

	res, err := env.svc.Export.BatchResults(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	// 匿名提交的 WorkerId 为空
	assert.Equal(t, "", res.Rows[0][7])
}

func TestProjectResultsNewestTaskFirst(t *testing.T) {
	env := setupServices(t, nil)
	ctx := context.Background()
	project := testutil.SeedProject(t, env.db, "My Project!", answerTemplate, true)
	batch1, tasks1 := testutil.SeedBatch(t, env.db, project, 1, rows("a", "b")...)
	batch2, tasks2 := testutil.SeedBatch(t, env.db, project, 1, rows("c")...)
	alice := WorkerFromUser(testutil.SeedUser(t, env.db, "alice", false))

	for _, b := range []uint{batch1.ID, batch1.ID, batch2.ID} {
		a := env.accept(t, b, alice)
		env.submit(t, a, alice, map[string]string{"answer": "ok"})
	}

	res, err := env.svc.Export.ProjectResults(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("My_Project-Project_%d_results.csv", project.ID), res.Filename)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, fmt.Sprint(tasks1[1].ID), res.Rows[0][0])
	assert.Equal(t, fmt.Sprint(tasks1[0].ID), res.Rows[1][0])
	assert.Equal(t, fmt.Sprint(tasks2[0].ID), res.Rows[2][0])
}

func TestProjectResultsWithoutBatches(t *testing.T) {
	env := setupServices(t, nil)
	project := testutil.SeedProject(t, env.db, "Empty", answerTemplate, true)

	res, err := env.svc.Export.ProjectResults(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Header)
	assert.Empty(t, res.Rows)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, res, LineTerminatorCRLF))
	assert.Empty(t, buf.String())

	_, err = env.svc.Export.ProjectResults(context.Background(), 999)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestWriteCSVQuotesEveryField(t *testing.T) {
	res := &Results{
		Header: []string{"HITId", "Answer.text"},
		Rows:   [][]string{{"1", `say "hi", then go`}},
	}

	var crlf bytes.Buffer
	require.NoError(t, WriteCSV(&crlf, res, LineTerminatorCRLF))
	assert.Equal(t, "\"HITId\",\"Answer.text\"\r\n\"1\",\"say \"\"hi\"\", then go\"\r\n", crlf.String())

	var lf bytes.Buffer
	require.NoError(t, WriteCSV(&lf, res, LineTerminatorLF))
	assert.False(t, strings.Contains(lf.String(), "\r"))
	assert.Equal(t, 2, strings.Count(lf.String(), "\n"))
}

func TestWriteXLSX(t *testing.T) {
	res := &Results{
		Header: []string{"HITId", "Answer.text"},
		Rows:   [][]string{{"1", "yes"}, {"2", "no"}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, res))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	got, err := f.GetRows("Results")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"HITId", "Answer.text"}, {"1", "yes"}, {"2", "no"}}, got)
}

func TestXLSXFilename(t *testing.T) {
	assert.Equal(t, "input-Batch_3_results.xlsx", XLSXFilename("input-Batch_3_results.csv"))
	assert.Equal(t, "results.xlsx", XLSXFilename("results"))
}
