package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const draft07 = "http://json-schema.org/draft-07/schema#"

// Generator 根据一个 JSON 样本推断出描述它的 schema。
// 对象的所有属性都被标记为必需，数组元素的 schema 由所有元素合并得到。
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate 返回 data 的 schema 文档
func (g *Generator) Generate(data json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	doc := infer(v)
	doc["$schema"] = draft07
	return json.Marshal(doc)
}

func infer(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case nil:
		return map[string]interface{}{"type": "null"}
	case bool:
		return map[string]interface{}{"type": "boolean"}
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return map[string]interface{}{"type": "integer"}
		}
		return map[string]interface{}{"type": "number"}
	case string:
		return map[string]interface{}{"type": "string"}
	case []interface{}:
		out := map[string]interface{}{"type": "array"}
		var items map[string]interface{}
		for _, item := range t {
			items = merge(items, infer(item))
		}
		if items != nil {
			out["items"] = items
		}
		return out
	case map[string]interface{}:
		props := make(map[string]interface{}, len(t))
		required := make([]string, 0, len(t))
		for k, item := range t {
			props[k] = infer(item)
			required = append(required, k)
		}
		sort.Strings(required)
		out := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			out["required"] = required
		}
		return out
	}
	return map[string]interface{}{}
}

// merge 合并两个推断结果。类型不同时退化为 type 数组，integer 被 number 吸收。
func merge(a, b map[string]interface{}) map[string]interface{} {
	if a == nil {
		return b
	}
	ta, tb := typeSet(a), typeSet(b)
	if len(ta) == 1 && len(tb) == 1 && ta[0] == tb[0] {
		switch ta[0] {
		case "object":
			return mergeObjects(a, b)
		case "array":
			out := map[string]interface{}{"type": "array"}
			ia, _ := a["items"].(map[string]interface{})
			ib, _ := b["items"].(map[string]interface{})
			if items := merge(ia, ib); items != nil {
				out["items"] = items
			}
			return out
		}
		return a
	}

	set := map[string]bool{}
	for _, t := range append(ta, tb...) {
		set[t] = true
	}
	if set["number"] {
		delete(set, "integer")
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	if len(types) == 1 {
		return map[string]interface{}{"type": types[0]}
	}
	return map[string]interface{}{"type": types}
}

// mergeObjects 合并属性，只有两边都出现的属性才保持必需
func mergeObjects(a, b map[string]interface{}) map[string]interface{} {
	pa, _ := a["properties"].(map[string]interface{})
	pb, _ := b["properties"].(map[string]interface{})
	props := map[string]interface{}{}
	for k, v := range pa {
		props[k] = v
	}
	for k, v := range pb {
		if existing, ok := props[k]; ok {
			props[k] = merge(existing.(map[string]interface{}), v.(map[string]interface{}))
		} else {
			props[k] = v
		}
	}

	var required []string
	for _, k := range requiredOf(a) {
		if _, ok := pb[k]; ok {
			required = append(required, k)
		}
	}
	out := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func typeSet(s map[string]interface{}) []string {
	switch t := s["type"].(type) {
	case string:
		return []string{t}
	case []string:
		return t
	}
	return nil
}

func requiredOf(s map[string]interface{}) []string {
	r, _ := s["required"].([]string)
	return r
}
