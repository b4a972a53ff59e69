// Package form 处理项目HTML模板：占位字段提取、提交按钮检测、任务数据填充
package form

import (
	"html"
	"regexp"
	"sort"
	"strings"

	xhtml "golang.org/x/net/html"
)

var placeholderPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// ExtractFieldnames 提取模板中所有 ${name} 占位字段
func ExtractFieldnames(tmpl string) map[string]bool {
	names := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		names[m[1]] = true
	}
	return names
}

// HasSubmitButton 模板中是否已包含 <input type="submit">
func HasSubmitButton(tmpl string) bool {
	doc, err := xhtml.Parse(strings.NewReader(tmpl))
	if err != nil {
		return false
	}
	return findSubmit(doc)
}

func findSubmit(n *xhtml.Node) bool {
	if n.Type == xhtml.ElementNode && n.Data == "input" {
		for _, attr := range n.Attr {
			if strings.EqualFold(attr.Key, "type") && strings.EqualFold(strings.TrimSpace(attr.Val), "submit") {
				return true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if findSubmit(c) {
			return true
		}
	}
	return false
}

// Populate 用任务数据替换模板占位字段，值会做HTML转义
// 数据中不存在的占位字段保持原样
func Populate(tmpl string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := fields[name]; ok {
			return html.EscapeString(v)
		}
		return match
	})
}

// MissingFields 返回模板需要但 header 中没有的字段（已排序）
func MissingFields(fieldnames map[string]bool, header []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for name := range fieldnames {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
