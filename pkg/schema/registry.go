// Package schema 保存事件负载使用的 JSON Schema，并负责生成与校验。
package schema

import (
	"context"
	"encoding/json"
	"net/url"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// DefaultBaseURI 是自动生成的 schema 使用的 URI 前缀
const DefaultBaseURI = "urn:schema:"

var schemaResource = schema.GroupResource{Group: "cloud-streams.io", Resource: "schemas"}

// Schema 是一个已注册的 JSON Schema 文档
type Schema struct {
	// URI 是 schema 的唯一标识，事件通过 dataschema 引用它
	URI string `json:"uri"`
	// Type 是该 schema 描述的事件类型，可以为空
	Type string `json:"type,omitempty"`
	// Document 是 JSON Schema 本身
	Document json.RawMessage `json:"document"`
}

// Registry 是 schema 的存储。同一个 URI 或同一个事件类型只能注册一次。
type Registry interface {
	// Get 按 URI 读取，不存在时返回 NotFound
	Get(ctx context.Context, uri string) (*Schema, error)
	// Lookup 按事件类型读取，不存在时返回 NotFound
	Lookup(ctx context.Context, eventType string) (*Schema, error)
	// Register 保存一个新的 schema，URI 或类型已存在时返回 AlreadyExists
	Register(ctx context.Context, s *Schema) error
}

// URIFor 返回为事件类型自动生成的 schema 的 URI。
// 同一类型总是得到同一个 URI，并发的首次注册因此会在 AlreadyExists 上汇合。
func URIFor(baseURI, eventType string) string {
	if baseURI == "" {
		baseURI = DefaultBaseURI
	}
	return baseURI + url.PathEscape(eventType)
}

func newNotFound(what string) error {
	return apierrors.NewNotFound(schemaResource, what)
}

func newAlreadyExists(what string) error {
	return apierrors.NewAlreadyExists(schemaResource, what)
}

func (s *Schema) deepCopy() *Schema {
	out := *s
	out.Document = append(json.RawMessage(nil), s.Document...)
	return &out
}
