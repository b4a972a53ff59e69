package service

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// 支持的上传编码
const (
	EncodingUTF8 = "utf-8"
	EncodingGBK  = "gbk"
)

// ErrEmptyUpload 上传文件没有表头
var ErrEmptyUpload = errors.New("uploaded file has no header row")

// Table 解析后的表格：首行为字段名
type Table struct {
	Header []string
	Rows   [][]string
}

// ParseUpload 按扩展名解析上传文件，.xlsx 读取第一个工作表，其余按 CSV 处理
func ParseUpload(filename string, data []byte, encoding string) (*Table, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return ParseXLSX(bytes.NewReader(data))
	}
	return ParseCSV(bytes.NewReader(data), encoding)
}

// ParseCSV 解析 CSV，utf-8 会去除 BOM，gbk 转码为 UTF-8
func ParseCSV(r io.Reader, encoding string) (*Table, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingUTF8, "utf8":
		decoded = transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	case EncodingGBK, "gb2312", "gb18030":
		// GBK → UTF-8
		decoded = transform.NewReader(r, simplifiedchinese.GBK.NewDecoder())
	default:
		return nil, &entity.ValidationError{Field: "encoding", Message: fmt.Sprintf("Unsupported encoding %q", encoding)}
	}

	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyUpload
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	table := &Table{Header: trimHeader(header)}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// ParseXLSX 解析 xlsx 第一个工作表
func ParseXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read xlsx: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyUpload
	}

	table := &Table{Header: trimHeader(rows[0])}
	for _, row := range rows[1:] { // 跳过表头
		// 只跳过完全没有单元格的行，全空单元格的行仍生成任务
		if len(row) == 0 {
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// Tasks 每行生成一个任务，字段按表头对应，长度不一致时截断到较短者
func (t *Table) Tasks(batchID uint) []entity.Task {
	tasks := make([]entity.Task, 0, len(t.Rows))
	for _, row := range t.Rows {
		fields := entity.Fields{}
		for i := 0; i < len(t.Header) && i < len(row); i++ {
			fields[t.Header[i]] = row[i]
		}
		tasks = append(tasks, entity.Task{BatchID: batchID, InputCSVFields: fields})
	}
	return tasks
}

func trimHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(h)
	}
	return out
}
