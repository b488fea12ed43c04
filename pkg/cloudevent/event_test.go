package cloudevent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSON(t *testing.T) {
	raw := `{
		"id": "1",
		"specversion": "1.0",
		"source": "https://orders.example.com",
		"type": "com.example.order.created",
		"time": "2026-03-01T10:00:00Z",
		"tenant": "acme",
		"priority": 3,
		"data": {"orderId": 42}
	}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, "1", e.ID)
	assert.Equal(t, "com.example.order.created", e.Type)
	require.NotNil(t, e.Time)
	assert.True(t, e.Time.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, e.HasData())
	assert.JSONEq(t, `{"orderId": 42}`, string(e.Data))

	tenant, ok := e.GetAttribute("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)
	priority, ok := e.GetAttribute("priority")
	assert.True(t, ok)
	assert.Equal(t, "3", priority)
	_, ok = e.GetAttribute("subject")
	assert.False(t, ok)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	var back Event
	require.NoError(t, json.Unmarshal(out, &back))
	// 负载在编码时会被压缩
	assert.JSONEq(t, string(e.Data), string(back.Data))
	back.Data = e.Data
	if diff := cmp.Diff(e, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAttributeFormatsNumbers(t *testing.T) {
	raw := `{"id":"1","specversion":"1.0","source":"s","type":"t","tenant":1000000,"ratio":0.25,"big":12345678901,"flag":true}`
	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	for name, want := range map[string]string{
		"tenant": "1000000",
		"ratio":  "0.25",
		"big":    "12345678901",
		"flag":   "true",
	} {
		got, ok := e.GetAttribute(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	e.SetExtension("count", json.Number("2000000"))
	count, _ := e.GetAttribute("count")
	assert.Equal(t, "2000000", count)
}

func TestEventValidate(t *testing.T) {
	valid := func() *Event {
		return &Event{ID: "1", SpecVersion: SpecVersion, Source: "urn:test", Type: "test"}
	}

	tests := []struct {
		name   string
		mutate func(e *Event)
		fields []string
	}{
		{name: "valid", mutate: func(*Event) {}},
		{name: "missing id", mutate: func(e *Event) { e.ID = "" }, fields: []string{"id"}},
		{name: "missing everything", mutate: func(e *Event) { *e = Event{} }, fields: []string{"id", "specversion", "source", "type"}},
		{name: "upper-case extension", mutate: func(e *Event) { e.SetExtension("Tenant", "acme") }, fields: []string{"Tenant"}},
		{name: "underscore extension", mutate: func(e *Event) { e.SetExtension("data_base64", "AA==") }, fields: []string{"data_base64"}},
		{name: "valid extension", mutate: func(e *Event) { e.SetExtension("tenant2", "acme") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			var got []string
			for _, err := range e.Validate() {
				got = append(got, err.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestHasData(t *testing.T) {
	assert.False(t, (&Event{}).HasData())
	assert.False(t, (&Event{Data: json.RawMessage("null")}).HasData())
	assert.True(t, (&Event{Data: json.RawMessage(`"text"`)}).HasData())
}

func TestDeepCopy(t *testing.T) {
	now := time.Now()
	e := &Event{ID: "1", Time: &now, Data: json.RawMessage(`{"a":1}`)}
	e.SetExtension("tenant", "acme")

	c := e.DeepCopy()
	c.SetExtension("tenant", "other")
	c.Data[2] = 'b'
	c.DataSchema = "urn:schema:x"

	tenant, _ := e.GetAttribute("tenant")
	assert.Equal(t, "acme", tenant)
	assert.JSONEq(t, `{"a":1}`, string(e.Data))
	assert.Empty(t, e.DataSchema)
}
