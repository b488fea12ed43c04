package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "object",
			data: `{"orderId": 42, "total": 9.5, "paid": true, "note": null, "customer": {"name": "ada"}}`,
			want: `{
				"$schema": "http://json-schema.org/draft-07/schema#",
				"type": "object",
				"properties": {
					"orderId": {"type": "integer"},
					"total": {"type": "number"},
					"paid": {"type": "boolean"},
					"note": {"type": "null"},
					"customer": {"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]}
				},
				"required": ["customer", "note", "orderId", "paid", "total"]
			}`,
		},
		{
			name: "array of objects with optional fields",
			data: `[{"a": 1, "b": "x"}, {"a": 2.5}]`,
			want: `{
				"$schema": "http://json-schema.org/draft-07/schema#",
				"type": "array",
				"items": {
					"type": "object",
					"properties": {"a": {"type": "number"}, "b": {"type": "string"}},
					"required": ["a"]
				}
			}`,
		},
		{
			name: "mixed array",
			data: `[1, "two"]`,
			want: `{
				"$schema": "http://json-schema.org/draft-07/schema#",
				"type": "array",
				"items": {"type": ["integer", "string"]}
			}`,
		},
		{
			name: "empty array",
			data: `[]`,
			want: `{"$schema": "http://json-schema.org/draft-07/schema#", "type": "array"}`,
		},
	}
	g := NewGenerator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Generate(json.RawMessage(tt.data))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	_, err := g.Generate(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestGeneratedSchemaAcceptsSample(t *testing.T) {
	sample := json.RawMessage(`{"orderId": 42, "items": [{"sku": "a", "qty": 1}, {"sku": "b", "qty": 2}]}`)
	doc, err := NewGenerator().Generate(sample)
	require.NoError(t, err)

	errs, err := NewValidator().Validate(&Schema{URI: "urn:schema:sample", Document: doc}, sample)
	require.NoError(t, err)
	assert.Empty(t, errs)
}
