// Package apiserver 把 registry.Interface 暴露为 HTTP 资源 API。
//
// 路径由资源定义推导：
//
//	/apis/{group}/{version}[/namespaces/{ns}]/{plural}[/{name}[/status]]
//
// 错误统一以 metav1.Status 返回，客户端可以直接用 apierrors 判断。
package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/authorization"
	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/klog/v2"
)

const (
	apisPrefix = "/apis/"

	// maxBodyBytes 限制单个请求体的大小
	maxBodyBytes = 3 << 20
)

// ValidateFunc 在写入前对资源做语义校验
type ValidateFunc func(obj runtime.Object) field.ErrorList

// Server 是资源 API 的 http.Handler
type Server struct {
	repo       registry.Interface
	scheme     *runtime.Scheme
	defs       *definitions.Registry
	validators map[schema.GroupVersionKind]ValidateFunc
}

var _ http.Handler = &Server{}

// New 创建一个 Server。Gateway 的策略在写入时校验。
func New(repo registry.Interface, scheme *runtime.Scheme, defs *definitions.Registry) *Server {
	s := &Server{
		repo:       repo,
		scheme:     scheme,
		defs:       defs,
		validators: make(map[schema.GroupVersionKind]ValidateFunc),
	}
	s.validators[cloudstreamsv1.SchemeGroupVersion.WithKind(cloudstreamsv1.GatewayKind)] = validateGateway
	return s
}

func validateGateway(obj runtime.Object) field.ErrorList {
	gw, ok := obj.(*cloudstreamsv1.Gateway)
	if !ok {
		return nil
	}
	return authorization.ValidateGateway(&gw.Spec)
}

// route 是从 URL 解析出的请求目标
type route struct {
	def         definitions.Definition
	namespace   string
	name        string
	subresource string
}

// parseRoute 解析 /apis/ 之后的路径段
func (s *Server) parseRoute(path string) (route, error) {
	if !strings.HasPrefix(path, apisPrefix) {
		return route{}, apierrors.NewNotFound(schema.GroupResource{}, path)
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, apisPrefix), "/"), "/")
	if len(segments) < 3 {
		return route{}, apierrors.NewNotFound(schema.GroupResource{}, path)
	}

	rt := route{}
	group, version, rest := segments[0], segments[1], segments[2:]
	if rest[0] == "namespaces" && len(rest) >= 3 {
		rt.namespace = rest[1]
		rest = rest[2:]
	}
	def, ok := s.defs.ForResource(schema.GroupVersionResource{Group: group, Version: version, Resource: rest[0]})
	if !ok {
		return route{}, apierrors.NewNotFound(schema.GroupResource{Group: group, Resource: rest[0]}, "")
	}
	rt.def = def

	switch len(rest) {
	case 1:
	case 2:
		rt.name = rest[1]
	case 3:
		if rest[2] != "status" || !def.StatusSubresource {
			return route{}, apierrors.NewNotFound(def.GroupResource(), rest[1]+"/"+rest[2])
		}
		rt.name = rest[1]
		rt.subresource = rest[2]
	default:
		return route{}, apierrors.NewNotFound(def.GroupResource(), path)
	}
	if rt.namespace != "" && !def.Namespaced() {
		return route{}, apierrors.NewBadRequest(fmt.Sprintf("%s is cluster-scoped", def.Plural))
	}
	return rt, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	klog.V(4).InfoS("Serving request", "method", r.Method, "path", r.URL.Path)

	rt, err := s.parseRoute(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case rt.name == "" && r.Method == http.MethodGet:
		s.list(w, r, rt)
	case rt.name == "" && r.Method == http.MethodPost:
		s.create(w, r, rt)
	case rt.name != "" && r.Method == http.MethodGet:
		s.get(w, r, rt)
	case rt.name != "" && r.Method == http.MethodPut:
		s.update(w, r, rt)
	case rt.name != "" && r.Method == http.MethodPatch:
		s.patch(w, r, rt)
	case rt.name != "" && r.Method == http.MethodDelete:
		s.delete(w, r, rt)
	default:
		writeError(w, apierrors.NewMethodNotSupported(rt.def.GroupResource(), r.Method))
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, rt route) {
	opts := registry.ListOptions{Namespace: rt.namespace}
	if raw := r.URL.Query().Get("labelSelector"); raw != "" {
		selector, err := labels.Parse(raw)
		if err != nil {
			writeError(w, apierrors.NewBadRequest(fmt.Sprintf("invalid label selector: %v", err)))
			return
		}
		opts.LabelSelector = selector
	}

	if r.URL.Query().Get("watch") == "true" {
		s.watch(w, r, rt, opts)
		return
	}

	list, err := s.repo.List(r.Context(), rt.def.GroupVersionKind(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeObject(w, http.StatusOK, list)
}

// watch 以换行分隔的 JSON 输出变更流，直到客户端断开或流结束
func (s *Server) watch(w http.ResponseWriter, r *http.Request, rt route, opts registry.ListOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierrors.NewInternalError(fmt.Errorf("streaming is not supported by the response writer")))
		return
	}
	watcher, err := s.repo.Watch(r.Context(), rt.def.GroupVersionKind(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	defer watcher.Stop()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	// 先把响应头推给客户端，空流也能立即建立
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-watcher.ResultChan():
			if !ok {
				return
			}
			wire, err := registry.NewEvent(s.scheme, ev)
			if err != nil {
				klog.ErrorS(err, "Failed to encode watch event", "resource", rt.def.Plural)
				continue
			}
			if err := enc.Encode(wire); err != nil {
				klog.V(2).InfoS("Watch client went away", "resource", rt.def.Plural, "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) get(w http.ResponseWriter, r *http.Request, rt route) {
	obj, err := s.repo.Get(r.Context(), rt.def.GroupVersionKind(), rt.namespace, rt.name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeObject(w, http.StatusOK, obj)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, rt route) {
	obj, err := s.readObject(r, rt)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate(rt, obj); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.repo.Add(r.Context(), obj)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeObject(w, http.StatusCreated, created)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, rt route) {
	obj, err := s.readObject(r, rt)
	if err != nil {
		writeError(w, err)
		return
	}

	var updated runtime.Object
	if rt.subresource == "status" {
		updated, err = s.repo.UpdateStatus(r.Context(), obj)
	} else {
		if err := s.validate(rt, obj); err != nil {
			writeError(w, err)
			return
		}
		updated, err = s.repo.Update(r.Context(), obj)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeObject(w, http.StatusOK, updated)
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, rt route) {
	patchType, err := patchTypeOf(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p := registry.Patch{Type: patchType, Data: data}

	gvk := rt.def.GroupVersionKind()
	var patched runtime.Object
	if rt.subresource == "status" {
		patched, err = s.repo.PatchStatus(r.Context(), gvk, rt.namespace, rt.name, p)
	} else {
		if err := s.validatePatch(r, rt, p); err != nil {
			writeError(w, err)
			return
		}
		patched, err = s.repo.Patch(r.Context(), gvk, rt.namespace, rt.name, p)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeObject(w, http.StatusOK, patched)
}

// validatePatch 在当前版本上预演补丁，结果不合法时拒绝
func (s *Server) validatePatch(r *http.Request, rt route, p registry.Patch) error {
	gvk := rt.def.GroupVersionKind()
	if _, ok := s.validators[gvk]; !ok {
		return nil
	}
	current, err := s.repo.Get(r.Context(), gvk, rt.namespace, rt.name)
	if err != nil {
		return err
	}
	original, err := registry.Encode(s.scheme, current)
	if err != nil {
		return apierrors.NewInternalError(err)
	}
	dataStruct, err := s.scheme.New(gvk)
	if err != nil {
		return apierrors.NewInternalError(err)
	}
	patchedData, err := registry.ApplyPatch(original, p, dataStruct)
	if err != nil {
		return err
	}
	patched, err := registry.Decode(s.scheme, gvk, patchedData)
	if err != nil {
		return apierrors.NewBadRequest(err.Error())
	}
	return s.validate(rt, patched)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, rt route) {
	obj, err := s.repo.Delete(r.Context(), rt.def.GroupVersionKind(), rt.namespace, rt.name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeObject(w, http.StatusOK, obj)
}

func (s *Server) validate(rt route, obj runtime.Object) error {
	validate, ok := s.validators[rt.def.GroupVersionKind()]
	if !ok {
		return nil
	}
	if errs := validate(obj); len(errs) > 0 {
		accessor, _ := metav1.Accessor(obj)
		name := rt.name
		if accessor != nil {
			name = accessor.GetName()
		}
		return apierrors.NewInvalid(rt.def.GroupVersionKind().GroupKind(), name, errs)
	}
	return nil
}

// readObject 解码请求体，并让 URL 中的身份与文档中的身份保持一致
func (s *Server) readObject(r *http.Request, rt route) (runtime.Object, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, err
	}

	typeMeta := k8smetav1.TypeMeta{}
	if err := json.Unmarshal(data, &typeMeta); err != nil {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("request body is not a JSON object: %v", err))
	}
	gvk := rt.def.GroupVersionKind()
	if typeMeta.Kind != "" && typeMeta.GroupVersionKind() != gvk {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("%s %s does not match the endpoint %s", typeMeta.APIVersion, typeMeta.Kind, gvk))
	}

	obj, err := registry.Decode(s.scheme, gvk, data)
	if err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return nil, apierrors.NewInternalError(err)
	}

	switch {
	case accessor.GetNamespace() == "":
		accessor.SetNamespace(rt.namespace)
	case rt.namespace != "" && accessor.GetNamespace() != rt.namespace:
		return nil, apierrors.NewBadRequest(fmt.Sprintf("namespace %q does not match the request namespace %q", accessor.GetNamespace(), rt.namespace))
	}
	if rt.name != "" {
		if accessor.GetName() == "" {
			accessor.SetName(rt.name)
		} else if accessor.GetName() != rt.name {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("name %q does not match the request name %q", accessor.GetName(), rt.name))
		}
	}
	return obj, nil
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("failed to read request body: %v", err))
	}
	if len(data) > maxBodyBytes {
		return nil, apierrors.NewRequestEntityTooLargeError(fmt.Sprintf("limit is %d bytes", maxBodyBytes))
	}
	if len(data) == 0 {
		return nil, apierrors.NewBadRequest("request body is empty")
	}
	return data, nil
}

// patchTypeOf 把 Content-Type 映射为补丁类型，补丁类型从不根据内容推断
func patchTypeOf(contentType string) (types.PatchType, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", registry.NewUnsupportedPatchType(contentType)
	}
	switch pt := types.PatchType(mediaType); pt {
	case types.JSONPatchType, types.MergePatchType, types.StrategicMergePatchType:
		return pt, nil
	default:
		return "", registry.NewUnsupportedPatchType(contentType)
	}
}

func (s *Server) writeObject(w http.ResponseWriter, code int, obj runtime.Object) {
	data, err := registry.Encode(s.scheme, obj)
	if err != nil {
		writeError(w, apierrors.NewInternalError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// writeError 把错误写成 metav1.Status
func writeError(w http.ResponseWriter, err error) {
	var status k8smetav1.Status
	var apiStatus apierrors.APIStatus
	switch {
	case errors.As(err, &apiStatus):
		status = apiStatus.Status()
	case cserrors.IsUpstreamUnavailable(err):
		status = apierrors.NewServiceUnavailable(err.Error()).ErrStatus
	default:
		klog.ErrorS(err, "Unexpected error serving request")
		status = apierrors.NewInternalError(err).ErrStatus
	}
	status.Kind = "Status"
	status.APIVersion = "v1"
	if status.Code == 0 {
		status.Code = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(status.Code))
	_ = json.NewEncoder(w).Encode(&status)
}
