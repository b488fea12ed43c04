package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
)

// Request 允许以链式方式构建请求。
type Request struct {
	c           *RESTClient
	verb        string
	path        string
	subresource string
	body        []byte
	contentType string
	err         error
	params      url.Values
}

func NewRequest(c *RESTClient) *Request {
	return &Request{
		c:           c,
		contentType: "application/json",
	}
}

// Verb 指定 HTTP 方法 (e.g., "GET", "POST")。
func (r *Request) Verb(verb string) *Request {
	r.verb = verb
	return r
}

// AbsPath 指定资源路径，通常来自 definitions.Definition.Path。
func (r *Request) AbsPath(p string) *Request {
	if r.err != nil {
		return r
	}
	r.path = p
	return r
}

// SubResource 在路径末尾追加子资源 (e.g., "status")。
func (r *Request) SubResource(subresource string) *Request {
	if r.err != nil {
		return r
	}
	if len(r.subresource) != 0 {
		r.err = fmt.Errorf("subresource already set to %q, cannot change to %q", r.subresource, subresource)
		return r
	}
	r.subresource = subresource
	return r
}

// Body 设置请求体。[]byte 原样发送，其他值被序列化为 JSON。
func (r *Request) Body(obj interface{}) *Request {
	if r.err != nil {
		return r
	}
	switch t := obj.(type) {
	case []byte:
		r.body = t
	default:
		data, err := json.Marshal(obj)
		if err != nil {
			r.err = fmt.Errorf("failed to marshal body: %w", err)
			return r
		}
		r.body = data
	}
	return r
}

// ContentType 覆盖默认的 application/json，补丁请求用它携带补丁类型。
func (r *Request) ContentType(contentType string) *Request {
	r.contentType = contentType
	return r
}

// Param 向请求添加一个 URL Query 参数。
func (r *Request) Param(key, value string) *Request {
	if r.err != nil {
		return r
	}
	if r.params == nil {
		r.params = make(url.Values)
	}
	r.params.Add(key, value)
	return r
}

func (r *Request) URL() *url.URL {
	p := r.c.baseURL.Path + r.path
	if r.subresource != "" {
		p += "/" + r.subresource
	}
	u := *r.c.baseURL
	u.Path = p
	if len(r.params) > 0 {
		u.RawQuery = r.params.Encode()
	}
	return &u
}

func (r *Request) send(ctx context.Context) (*http.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.verb, r.URL().String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")

	klog.V(4).InfoS("Executing request", "method", req.Method, "url", req.URL)
	resp, err := r.c.httpClient.Do(req)
	if err != nil {
		return nil, cserrors.WrapUpstreamUnavailable(fmt.Errorf("request failed: %w", err))
	}
	return resp, nil
}

// Do 执行请求并返回一个 Result 对象。
func (r *Request) Do(ctx context.Context) *Result {
	resp, err := r.send(ctx)
	if err != nil {
		return &Result{err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{err: cserrors.WrapUpstreamUnavailable(fmt.Errorf("failed to read response: %w", err))}
	}
	return &Result{body: body, statusCode: resp.StatusCode}
}

// Stream 执行请求并返回响应体，调用方负责关闭。用于 watch。
func (r *Request) Stream(ctx context.Context) (io.ReadCloser, error) {
	resp, err := r.send(ctx)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// Result 封装了请求的结果。
type Result struct {
	body       []byte
	statusCode int
	err        error
}

// Error 在请求失败或服务端返回非 2xx 时返回错误。
// 服务端错误是 metav1.Status，还原后 apierrors.IsNotFound 等判断照常可用。
func (r *Result) Error() error {
	if r.err != nil {
		return r.err
	}
	if r.statusCode < 200 || r.statusCode > 299 {
		return statusError(r.statusCode, r.body)
	}
	return nil
}

// Into 解码响应体到传入的 obj 对象中。
func (r *Result) Into(obj interface{}) error {
	if err := r.Error(); err != nil {
		return err
	}
	if obj == nil || len(r.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.body, obj); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Raw 返回原始的响应体。
func (r *Result) Raw() ([]byte, error) {
	if err := r.Error(); err != nil {
		return nil, err
	}
	return r.body, nil
}

func (r *Result) StatusCode() int {
	return r.statusCode
}

func statusError(code int, body []byte) error {
	status := &metav1.Status{}
	if err := json.Unmarshal(body, status); err == nil && status.Kind == "Status" {
		return apierrors.FromObject(status)
	}
	// 非 Status 响应通常来自代理，按状态码还原
	return apierrors.NewGenericServerResponse(code, "", schema.GroupResource{}, "", string(body), 0, false)
}
