package entity

// ValidationError 模型层校验错误，需作为表单错误返回而非服务器错误
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}
