package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"github.com/xuri/excelize/v2"
)

// MTurkTimeLayout 结果文件中的时间格式
const MTurkTimeLayout = "Mon Jan 02 15:04:05 MST 2006"

// 行结束符
const (
	LineTerminatorCRLF = "\r\n"
	LineTerminatorLF   = "\n"
)

// MetadataColumns 结果文件固定列
var MetadataColumns = []string{
	"HITId", "HITTypeId", "Title", "CreationTime", "MaxAssignments",
	"AssignmentDurationInSeconds", "AssignmentId", "WorkerId",
	"AcceptTime", "SubmitTime", "WorkTimeInSeconds",
}

// Results 导出表格
type Results struct {
	Filename string
	Header   []string
	Rows     [][]string
}

// ExportService 结果导出服务
type ExportService struct {
	repos *repository.Repositories
}

// NewExportService 创建导出服务
func NewExportService(repos *repository.Repositories) *ExportService {
	return &ExportService{repos: repos}
}

// BatchResults 批次结果：全部任务按ID升序，每个已完成领取一行
func (s *ExportService) BatchResults(ctx context.Context, batchID uint) (*Results, error) {
	batch, err := s.repos.Batch.FindByID(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	tasks, err := s.repos.Task.ListByBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	res := &Results{
		Filename: batch.CSVResultsFilename(),
		Header:   resultsHeader(tasks),
	}
	res.Rows = resultRows(res.Header, batch, tasks)
	return res, nil
}

// ProjectResults 项目结果：批次按ID升序，每个批次的已完成任务新的在前
func (s *ExportService) ProjectResults(ctx context.Context, projectID uint) (*Results, error) {
	project, err := s.repos.Project.FindByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	batches, err := s.repos.Batch.ListByProject(ctx, project.ID, false)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	res := &Results{Filename: projectResultsFilename(project)}
	if len(batches) == 0 {
		return res, nil
	}

	perBatch := make([][]entity.Task, len(batches))
	var all []entity.Task
	for i := range batches {
		batches[i].Project = project
		tasks, err := s.repos.Task.ListByBatch(ctx, batches[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		perBatch[i] = tasks
		all = append(all, tasks...)
	}
	res.Header = resultsHeader(all)

	for i := range batches {
		res.Rows = append(res.Rows, resultRows(res.Header, &batches[i], finishedNewestFirst(perBatch[i]))...)
	}
	return res, nil
}

// resultsHeader 固定列 + 排序后的 Input.* + 排序后的 Answer.*
// 字段名来自有领取记录（不论是否完成）的任务
func resultsHeader(tasks []entity.Task) []string {
	inputs := map[string]bool{}
	answers := map[string]bool{}
	for _, task := range tasks {
		for _, a := range task.Assignments {
			for k := range task.InputCSVFields {
				inputs[k] = true
			}
			for k := range a.Answers {
				answers[k] = true
			}
		}
	}

	header := make([]string, 0, len(MetadataColumns)+len(inputs)+len(answers))
	header = append(header, MetadataColumns...)
	for _, k := range sortedKeys(inputs) {
		header = append(header, "Input."+k)
	}
	for _, k := range sortedKeys(answers) {
		header = append(header, "Answer."+k)
	}
	return header
}

func resultRows(header []string, batch *entity.Batch, tasks []entity.Task) [][]string {
	var rows [][]string
	for _, task := range tasks {
		for _, a := range task.Assignments {
			if !a.Completed {
				continue
			}
			values := map[string]string{
				"HITId":                       strconv.FormatUint(uint64(task.ID), 10),
				"HITTypeId":                   strconv.FormatUint(uint64(batch.ProjectID), 10),
				"Title":                       batch.Project.Name,
				"CreationTime":                batch.CreatedAt.Format(MTurkTimeLayout),
				"MaxAssignments":              strconv.Itoa(batch.AssignmentsPerTask),
				"AssignmentDurationInSeconds": strconv.Itoa(batch.AllottedAssignmentTime * 3600),
				"AssignmentId":                strconv.FormatUint(uint64(a.ID), 10),
				"WorkerId":                    "",
				"AcceptTime":                  a.CreatedAt.Format(MTurkTimeLayout),
				"SubmitTime":                  a.UpdatedAt.Format(MTurkTimeLayout),
				"WorkTimeInSeconds":           strconv.FormatInt(int64(a.WorkTime().Seconds()), 10),
			}
			if a.AssignedToID != nil {
				values["WorkerId"] = strconv.FormatUint(uint64(*a.AssignedToID), 10)
			}
			for k, v := range task.InputCSVFields {
				values["Input."+k] = v
			}
			for k, v := range a.Answers {
				values["Answer."+k] = v
			}

			row := make([]string, len(header))
			for i, col := range header {
				row[i] = values[col]
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func finishedNewestFirst(tasks []entity.Task) []entity.Task {
	finished := make([]entity.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Completed {
			finished = append(finished, task)
		}
	}
	sort.SliceStable(finished, func(i, j int) bool { return finished[i].ID > finished[j].ID })
	return finished
}

var unsafeFilenameChars = regexp.MustCompile(`[^\w.-]+`)

func projectResultsFilename(project *entity.Project) string {
	name := strings.Trim(unsafeFilenameChars.ReplaceAllString(project.Name, "_"), "_")
	if name == "" {
		name = "Project"
	}
	return fmt.Sprintf("%s-Project_%d_results.csv", name, project.ID)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteCSV 输出 CSV，所有字段加引号
func WriteCSV(w io.Writer, res *Results, lineTerminator string) error {
	if lineTerminator == "" {
		lineTerminator = LineTerminatorCRLF
	}
	if len(res.Header) == 0 {
		return nil
	}
	if err := writeQuotedRecord(w, res.Header, lineTerminator); err != nil {
		return err
	}
	for _, row := range res.Rows {
		if err := writeQuotedRecord(w, row, lineTerminator); err != nil {
			return err
		}
	}
	return nil
}

// writeQuotedRecord encoding/csv 只在需要时加引号，这里对每个字段强制加引号
func writeQuotedRecord(w io.Writer, record []string, lineTerminator string) error {
	var b strings.Builder
	for i, field := range record {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(field, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteString(lineTerminator)
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteXLSX 输出 xlsx，表头加粗
func WriteXLSX(w io.Writer, res *Results) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Results"
	f.SetSheetName("Sheet1", sheet)

	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	for i, h := range res.Header {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetCellValue(sheet, fmt.Sprintf("%s1", col), h)
	}
	if len(res.Header) > 0 {
		last, _ := excelize.ColumnNumberToName(len(res.Header))
		f.SetCellStyle(sheet, "A1", last+"1", style)
	}
	for r, row := range res.Rows {
		for i, v := range row {
			col, _ := excelize.ColumnNumberToName(i + 1)
			f.SetCellValue(sheet, fmt.Sprintf("%s%d", col, r+2), v)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// XLSXFilename 将结果文件名的扩展名替换为 .xlsx
func XLSXFilename(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + ".xlsx"
}
