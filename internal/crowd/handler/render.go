package handler

import (
	"embed"
	"html/template"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.html
var templatesFS embed.FS

// LoadTemplates 注册内嵌的 HTML 模板
func LoadTemplates(engine *gin.Engine) {
	tmpl := template.Must(template.New("").ParseFS(templatesFS, "templates/*.html"))
	engine.SetHTMLTemplate(tmpl)
}
