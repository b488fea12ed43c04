// Package client 通过资源 API 远程实现 registry.Interface。
// controller、monitor 和 CLI 可以像使用本地 bbolt 仓库一样使用它。
package client

import (
	"context"
	"net/http"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/client/rest"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/util"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// 编译时检查
var _ registry.Interface = &Client{}

// Client 是 registry.Interface 的 HTTP 实现
type Client struct {
	rest   *rest.RESTClient
	scheme *runtime.Scheme
	defs   *definitions.Registry
}

// New 创建一个连接到 server 的客户端。httpClient 为 nil 时使用 http.DefaultClient。
// watch 是长连接，httpClient 不应该设置整体超时。
func New(server string, httpClient *http.Client, scheme *runtime.Scheme, defs *definitions.Registry) (*Client, error) {
	rc, err := rest.NewRESTClient(server, httpClient)
	if err != nil {
		return nil, err
	}
	return &Client{rest: rc, scheme: scheme, defs: defs}, nil
}

// RESTClient 返回底层的 REST 客户端
func (c *Client) RESTClient() *rest.RESTClient {
	return c.rest
}

func (c *Client) definition(gvk schema.GroupVersionKind) (definitions.Definition, error) {
	def, ok := c.defs.ForKind(gvk)
	if !ok {
		return definitions.Definition{}, apierrors.NewBadRequest("no resource definition registered for " + gvk.String())
	}
	return def, nil
}

func (c *Client) encode(obj runtime.Object) (definitions.Definition, metav1.Object, []byte, error) {
	gvk, err := util.GetGVK(obj, c.scheme)
	if err != nil {
		return definitions.Definition{}, nil, nil, err
	}
	def, err := c.definition(gvk)
	if err != nil {
		return definitions.Definition{}, nil, nil, err
	}
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return definitions.Definition{}, nil, nil, err
	}
	data, err := registry.Encode(c.scheme, obj)
	if err != nil {
		return definitions.Definition{}, nil, nil, err
	}
	return def, accessor, data, nil
}

func (c *Client) decode(gvk schema.GroupVersionKind, result *rest.Result) (runtime.Object, error) {
	data, err := result.Raw()
	if err != nil {
		return nil, err
	}
	return registry.Decode(c.scheme, gvk, data)
}

func (c *Client) Add(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	def, accessor, data, err := c.encode(obj)
	if err != nil {
		return nil, err
	}
	result := c.rest.Post().
		AbsPath(def.Path(accessor.GetNamespace(), "")).
		Body(data).
		Do(ctx)
	return c.decode(def.GroupVersionKind(), result)
}

func (c *Client) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (runtime.Object, error) {
	def, err := c.definition(gvk)
	if err != nil {
		return nil, err
	}
	result := c.rest.Get().
		AbsPath(def.Path(namespace, name)).
		Do(ctx)
	return c.decode(gvk, result)
}

func (c *Client) List(ctx context.Context, gvk schema.GroupVersionKind, opts registry.ListOptions) (runtime.Object, error) {
	def, err := c.definition(gvk)
	if err != nil {
		return nil, err
	}
	req := c.rest.Get().AbsPath(def.Path(opts.Namespace, ""))
	if opts.LabelSelector != nil && !opts.LabelSelector.Empty() {
		req = req.Param("labelSelector", opts.LabelSelector.String())
	}
	return c.decode(def.ListGroupVersionKind(), req.Do(ctx))
}

// Watch 打开一个流式请求。ctx 结束或调用 Stop 时连接被关闭。
func (c *Client) Watch(ctx context.Context, gvk schema.GroupVersionKind, opts registry.ListOptions) (watch.Interface, error) {
	def, err := c.definition(gvk)
	if err != nil {
		return nil, err
	}
	req := c.rest.Get().
		AbsPath(def.Path(opts.Namespace, "")).
		Param("watch", "true")
	if opts.LabelSelector != nil && !opts.LabelSelector.Empty() {
		req = req.Param("labelSelector", opts.LabelSelector.String())
	}

	ctx, cancel := context.WithCancel(ctx)
	body, err := req.Stream(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	decode := func(data []byte) (runtime.Object, error) {
		return registry.Decode(c.scheme, gvk, data)
	}
	return newStreamWatcher(ctx, cancel, body, decode), nil
}

func (c *Client) Update(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	return c.update(ctx, obj, "")
}

func (c *Client) UpdateStatus(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	return c.update(ctx, obj, "status")
}

func (c *Client) update(ctx context.Context, obj runtime.Object, subresource string) (runtime.Object, error) {
	def, accessor, data, err := c.encode(obj)
	if err != nil {
		return nil, err
	}
	req := c.rest.Put().AbsPath(def.Path(accessor.GetNamespace(), accessor.GetName()))
	if subresource != "" {
		req = req.SubResource(subresource)
	}
	return c.decode(def.GroupVersionKind(), req.Body(data).Do(ctx))
}

func (c *Client) Patch(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch registry.Patch) (runtime.Object, error) {
	return c.patch(ctx, gvk, namespace, name, patch, "")
}

func (c *Client) PatchStatus(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch registry.Patch) (runtime.Object, error) {
	return c.patch(ctx, gvk, namespace, name, patch, "status")
}

func (c *Client) patch(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch registry.Patch, subresource string) (runtime.Object, error) {
	def, err := c.definition(gvk)
	if err != nil {
		return nil, err
	}
	if patch.Type == "" {
		return nil, apierrors.NewBadRequest("patch type is required")
	}
	req := c.rest.Patch().AbsPath(def.Path(namespace, name))
	if subresource != "" {
		req = req.SubResource(subresource)
	}
	result := req.ContentType(string(patch.Type)).
		Body(patch.Data).
		Do(ctx)
	return c.decode(gvk, result)
}

func (c *Client) Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (runtime.Object, error) {
	def, err := c.definition(gvk)
	if err != nil {
		return nil, err
	}
	result := c.rest.Delete().
		AbsPath(def.Path(namespace, name)).
		Do(ctx)
	return c.decode(gvk, result)
}
