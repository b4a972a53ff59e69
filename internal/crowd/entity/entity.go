package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Fields 字符串键值对，以JSON形式存储（CSV行数据、表单答案）
type Fields map[string]string

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *Fields) Scan(value interface{}) error {
	if value == nil {
		*f = Fields{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to scan Fields: %v", value)
	}
	result := Fields{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
	}
	*f = result
	return nil
}

// NameSet 名称集合，以 {"name": true} 形式存储
type NameSet map[string]bool

func (s NameSet) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *NameSet) Scan(value interface{}) error {
	if value == nil {
		*s = NameSet{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to scan NameSet: %v", value)
	}
	result := NameSet{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
	}
	*s = result
	return nil
}
