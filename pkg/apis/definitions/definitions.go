package definitions

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/yaml"
)

// Scope 表示资源是否属于某个命名空间
type Scope string

const (
	NamespaceScoped Scope = "Namespaced"
	ClusterScoped   Scope = "Cluster"
)

// Definition 是一种资源类型的唯一身份。
// 存储 bucket、HTTP 路径和 GVK 都只从这里推导，其他地方不允许手工拼装。
type Definition struct {
	Group      string
	Version    string
	Plural     string
	Singular   string
	Kind       string
	ListKind   string
	ShortNames []string
	Scope      Scope
	// StatusSubresource 为 true 时 status 只能通过 UpdateStatus/PatchStatus 修改
	StatusSubresource bool
}

func (d Definition) GroupVersion() schema.GroupVersion {
	return schema.GroupVersion{Group: d.Group, Version: d.Version}
}

func (d Definition) GroupVersionKind() schema.GroupVersionKind {
	return d.GroupVersion().WithKind(d.Kind)
}

func (d Definition) ListGroupVersionKind() schema.GroupVersionKind {
	return d.GroupVersion().WithKind(d.ListKind)
}

func (d Definition) GroupVersionResource() schema.GroupVersionResource {
	return d.GroupVersion().WithResource(d.Plural)
}

func (d Definition) GroupResource() schema.GroupResource {
	return schema.GroupResource{Group: d.Group, Resource: d.Plural}
}

func (d Definition) Namespaced() bool {
	return d.Scope == NamespaceScoped
}

// StorageKey 是持久化层使用的 key，例如 "cloud-streams.io/v1/gateways"
func (d Definition) StorageKey() string {
	return d.Group + "/" + d.Version + "/" + d.Plural
}

// Path 返回资源在 HTTP API 中的路径。
// namespace 为空时返回跨命名空间的集合路径，name 为空时返回集合路径。
func (d Definition) Path(namespace, name string) string {
	parts := []string{"/apis", d.Group, d.Version}
	if d.Namespaced() && namespace != "" {
		parts = append(parts, "namespaces", namespace)
	}
	parts = append(parts, d.Plural)
	if name != "" {
		parts = append(parts, name)
	}
	return path.Join(parts...)
}

// Registry 保存进程内所有已知的资源类型。
// 它在启动时显式构造并填充，之后只读。
type Registry struct {
	mu     sync.RWMutex
	byGVK  map[schema.GroupVersionKind]Definition
	byName map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{
		byGVK:  make(map[schema.GroupVersionKind]Definition),
		byName: make(map[string]Definition),
	}
}

// Register 登记一个定义。同一个 GVK 重复登记会返回错误。
func (r *Registry) Register(def Definition) error {
	if def.Group == "" || def.Version == "" || def.Plural == "" || def.Kind == "" {
		return fmt.Errorf("incomplete resource definition %+v", def)
	}
	if def.ListKind == "" {
		def.ListKind = def.Kind + "List"
	}
	if def.Singular == "" {
		def.Singular = strings.ToLower(def.Kind)
	}
	if def.Scope == "" {
		def.Scope = NamespaceScoped
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	gvk := def.GroupVersionKind()
	if _, exists := r.byGVK[gvk]; exists {
		return fmt.Errorf("resource definition %s is already registered", gvk)
	}
	names := append([]string{def.Plural, def.Singular, strings.ToLower(def.Kind)}, def.ShortNames...)
	for _, name := range names {
		if other, exists := r.byName[name]; exists && other.GroupVersionKind() != gvk {
			return fmt.Errorf("resource name %q of %s conflicts with %s", name, gvk, other.GroupVersionKind())
		}
	}
	r.byGVK[gvk] = def
	for _, name := range names {
		r.byName[name] = def
	}
	return nil
}

// RegisterManifest 解析一个 CRD 清单，并登记其中的 storage 版本。
func (r *Registry) RegisterManifest(data []byte) (Definition, error) {
	crd := &apiextensionsv1.CustomResourceDefinition{}
	if err := yaml.UnmarshalStrict(data, crd); err != nil {
		return Definition{}, fmt.Errorf("failed to decode CustomResourceDefinition: %w", err)
	}

	var storage *apiextensionsv1.CustomResourceDefinitionVersion
	for i := range crd.Spec.Versions {
		if crd.Spec.Versions[i].Storage {
			storage = &crd.Spec.Versions[i]
			break
		}
	}
	if storage == nil {
		return Definition{}, fmt.Errorf("CustomResourceDefinition %s declares no storage version", crd.Name)
	}

	def := Definition{
		Group:      crd.Spec.Group,
		Version:    storage.Name,
		Plural:     crd.Spec.Names.Plural,
		Singular:   crd.Spec.Names.Singular,
		Kind:       crd.Spec.Names.Kind,
		ListKind:   crd.Spec.Names.ListKind,
		ShortNames: crd.Spec.Names.ShortNames,
		Scope:      Scope(crd.Spec.Scope),

		StatusSubresource: storage.Subresources != nil && storage.Subresources.Status != nil,
	}
	if err := r.Register(def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// ForKind 按 GVK 查找定义
func (r *Registry) ForKind(gvk schema.GroupVersionKind) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byGVK[gvk]
	return def, ok
}

// ForResource 按 group/version/plural 查找定义，HTTP 路由使用它。
func (r *Registry) ForResource(gvr schema.GroupVersionResource) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[gvr.Resource]
	if !ok || def.Group != gvr.Group || def.Version != gvr.Version {
		return Definition{}, false
	}
	return def, true
}

// Resolve 接受复数名、单数名、短名或 Kind（不区分大小写），CLI 使用它。
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.byName[strings.ToLower(name)]; ok {
		return def, nil
	}
	return Definition{}, fmt.Errorf("the server doesn't have a resource type %q", name)
}

// List 按 Kind 排序返回所有定义
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.byGVK))
	for _, def := range r.byGVK {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Kind < defs[j].Kind
	})
	return defs
}
