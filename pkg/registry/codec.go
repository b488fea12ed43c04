package registry

import (
	"encoding/json"
	"fmt"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/util"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Encode 把对象编码成 JSON，并保证输出带有 apiVersion 和 kind。
func Encode(scheme *runtime.Scheme, obj runtime.Object) ([]byte, error) {
	if err := util.EnsureGVK(obj, scheme); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// Decode 把 JSON 解码成 gvk 对应的 Go 类型。
func Decode(scheme *runtime.Scheme, gvk schema.GroupVersionKind, data []byte) (runtime.Object, error) {
	obj, err := scheme.New(gvk)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", gvk.Kind, err)
	}
	obj.GetObjectKind().SetGroupVersionKind(gvk)
	return obj, nil
}
