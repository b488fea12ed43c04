// Package rest 是资源 API 的底层 HTTP 客户端。
package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type Interface interface {
	Verb(verb string) *Request
	Get() *Request
	Post() *Request
	Put() *Request
	Patch() *Request
	Delete() *Request
}

// RESTClient 是与资源 API Server 交互的客户端。
type RESTClient struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ Interface = &RESTClient{}

// NewRESTClient 创建一个新的客户端实例。server 是形如 http://host:port 的地址。
func NewRESTClient(server string, httpClient *http.Client) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("server address %q must include scheme and host", server)
	}
	baseURL.Path = strings.TrimSuffix(baseURL.Path, "/")
	return &RESTClient{baseURL: baseURL, httpClient: httpClient}, nil
}

func (c *RESTClient) Verb(verb string) *Request {
	return NewRequest(c).Verb(verb)
}

// Post begins a POST request. Short for c.Verb("POST").
func (c *RESTClient) Post() *Request {
	return c.Verb(http.MethodPost)
}

// Put begins a PUT request. Short for c.Verb("PUT").
func (c *RESTClient) Put() *Request {
	return c.Verb(http.MethodPut)
}

// Patch begins a PATCH request. Short for c.Verb("PATCH").
func (c *RESTClient) Patch() *Request {
	return c.Verb(http.MethodPatch)
}

// Get begins a GET request. Short for c.Verb("GET").
func (c *RESTClient) Get() *Request {
	return c.Verb(http.MethodGet)
}

// Delete begins a DELETE request. Short for c.Verb("DELETE").
func (c *RESTClient) Delete() *Request {
	return c.Verb(http.MethodDelete)
}
