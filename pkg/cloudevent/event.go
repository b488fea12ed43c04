// Package cloudevent 定义了网关接收的结构化 CloudEvent。
package cloudevent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// 上下文属性名
const (
	AttributeID              = "id"
	AttributeSpecVersion     = "specversion"
	AttributeSource          = "source"
	AttributeType            = "type"
	AttributeSubject         = "subject"
	AttributeTime            = "time"
	AttributeDataContentType = "datacontenttype"
	AttributeDataSchema      = "dataschema"
	AttributeData            = "data"
)

// SpecVersion 是我们产出的事件使用的版本
const SpecVersion = "1.0"

var extensionNamePattern = regexp.MustCompile(`^[a-z0-9]+$`)

// Event 是一个结构化模式的 CloudEvent。扩展属性在 JSON 中与标准属性平铺在同一层。
type Event struct {
	ID              string
	SpecVersion     string
	Source          string
	Type            string
	Subject         string
	Time            *time.Time
	DataContentType string
	DataSchema      string
	Data            json.RawMessage

	// Extensions 保存所有非标准属性
	Extensions map[string]interface{}
}

// HasData 表示事件是否携带了负载
func (e *Event) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// SetExtension 设置一个扩展属性
func (e *Event) SetExtension(name string, value interface{}) {
	if e.Extensions == nil {
		e.Extensions = map[string]interface{}{}
	}
	e.Extensions[name] = value
}

// GetAttribute 按名字读取上下文属性，扩展属性的值被格式化为字符串。
// 未设置的可选属性视为不存在。
func (e *Event) GetAttribute(name string) (string, bool) {
	switch name {
	case AttributeID:
		return e.ID, e.ID != ""
	case AttributeSpecVersion:
		return e.SpecVersion, e.SpecVersion != ""
	case AttributeSource:
		return e.Source, e.Source != ""
	case AttributeType:
		return e.Type, e.Type != ""
	case AttributeSubject:
		return e.Subject, e.Subject != ""
	case AttributeTime:
		if e.Time == nil {
			return "", false
		}
		return e.Time.Format(time.RFC3339Nano), true
	case AttributeDataContentType:
		return e.DataContentType, e.DataContentType != ""
	case AttributeDataSchema:
		return e.DataSchema, e.DataSchema != ""
	}
	v, ok := e.Extensions[name]
	if !ok || v == nil {
		return "", false
	}
	return formatExtension(v), true
}

// formatExtension 把扩展属性的值格式化为字符串。JSON 数字解码为 float64，
// 整数值不能出现指数形式，例如 1000000 而不是 1e+06。
func formatExtension(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// Validate 检查事件的结构，每条违反的规则对应一个字段错误
func (e *Event) Validate() field.ErrorList {
	var errs field.ErrorList
	required := []struct{ name, value string }{
		{AttributeID, e.ID},
		{AttributeSpecVersion, e.SpecVersion},
		{AttributeSource, e.Source},
		{AttributeType, e.Type},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, field.Required(field.NewPath(r.name), "must not be empty"))
		}
	}

	names := make([]string, 0, len(e.Extensions))
	for name := range e.Extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !extensionNamePattern.MatchString(name) {
			errs = append(errs, field.Invalid(field.NewPath(name), name, "extension attribute names must consist of lower-case letters and digits"))
		}
	}
	return errs
}

// DeepCopy 返回一个完全独立的副本
func (e *Event) DeepCopy() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Time != nil {
		t := *e.Time
		out.Time = &t
	}
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Extensions != nil {
		out.Extensions = make(map[string]interface{}, len(e.Extensions))
		for k, v := range e.Extensions {
			out.Extensions[k] = v
		}
	}
	return &out
}

func (e Event) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, len(e.Extensions)+9)
	for k, v := range e.Extensions {
		doc[k] = v
	}
	doc[AttributeID] = e.ID
	doc[AttributeSpecVersion] = e.SpecVersion
	doc[AttributeSource] = e.Source
	doc[AttributeType] = e.Type
	if e.Subject != "" {
		doc[AttributeSubject] = e.Subject
	}
	if e.Time != nil {
		doc[AttributeTime] = e.Time.Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		doc[AttributeDataContentType] = e.DataContentType
	}
	if e.DataSchema != "" {
		doc[AttributeDataSchema] = e.DataSchema
	}
	if e.HasData() {
		doc[AttributeData] = e.Data
	}
	return json.Marshal(doc)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*e = Event{}
	attrs := map[string]*string{
		AttributeID:              &e.ID,
		AttributeSpecVersion:     &e.SpecVersion,
		AttributeSource:          &e.Source,
		AttributeType:            &e.Type,
		AttributeSubject:         &e.Subject,
		AttributeDataContentType: &e.DataContentType,
		AttributeDataSchema:      &e.DataSchema,
	}
	for name, raw := range doc {
		if target, ok := attrs[name]; ok {
			if err := json.Unmarshal(raw, target); err != nil {
				return fmt.Errorf("attribute %q: %w", name, err)
			}
			continue
		}
		switch name {
		case AttributeTime:
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("attribute %q: %w", name, err)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("attribute %q: %w", name, err)
			}
			e.Time = &t
		case AttributeData:
			e.Data = append(json.RawMessage(nil), raw...)
		default:
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("attribute %q: %w", name, err)
			}
			e.SetExtension(name, v)
		}
	}
	return nil
}
