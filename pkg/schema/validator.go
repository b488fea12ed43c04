package schema

import (
	"encoding/json"
	"sync"

	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Validator 校验负载是否符合 schema。已编译的 schema 按 URI 缓存，
// 注册后的 schema 不会再变化，因此缓存不需要失效。
type Validator struct {
	compiled sync.Map // uri -> *gojsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate 为每个违反之处返回一个 data 下的字段错误。
// schema 文档本身无法编译时返回 ConfigurationError。
func (v *Validator) Validate(s *Schema, data json.RawMessage) (field.ErrorList, error) {
	compiled, err := v.compile(s)
	if err != nil {
		return nil, err
	}

	dataPath := field.NewPath("data")
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return field.ErrorList{field.Invalid(dataPath, string(data), "payload is not valid JSON")}, nil
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make(field.ErrorList, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		p := dataPath
		if f := re.Field(); f != "" && f != "(root)" {
			p = dataPath.Child(f)
		}
		errs = append(errs, field.Invalid(p, re.Value(), re.Description()))
	}
	return errs, nil
}

func (v *Validator) compile(s *Schema) (*gojsonschema.Schema, error) {
	if c, ok := v.compiled.Load(s.URI); ok {
		return c.(*gojsonschema.Schema), nil
	}
	c, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(s.Document))
	if err != nil {
		return nil, cserrors.Configurationf("schema %q cannot be compiled: %v", s.URI, err)
	}
	actual, _ := v.compiled.LoadOrStore(s.URI, c)
	return actual.(*gojsonschema.Schema), nil
}
