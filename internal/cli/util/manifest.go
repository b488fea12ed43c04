package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"gopkg.in/yaml.v3"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// DecodeManifests 读取一个或多个以 "---" 分隔的 yaml 文档，并解码成具体类型。
// 空文档会被跳过；未知的 apiVersion/kind 返回错误。
func DecodeManifests(r io.Reader, scheme *runtime.Scheme, defs *definitions.Registry) ([]runtime.Object, error) {
	dec := yaml.NewDecoder(r)
	var objs []runtime.Object
	for i := 0; ; i++ {
		var doc map[string]interface{}
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if len(doc) == 0 {
			continue
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		typeMeta := k8smetav1.TypeMeta{}
		if err := json.Unmarshal(data, &typeMeta); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		gvk := schema.FromAPIVersionAndKind(typeMeta.APIVersion, typeMeta.Kind)
		if gvk.Kind == "" {
			return nil, fmt.Errorf("document %d: apiVersion and kind are required", i)
		}
		if _, ok := defs.ForKind(gvk); !ok {
			return nil, fmt.Errorf("document %d: no resource definition registered for %s", i, gvk)
		}
		obj, err := registry.Decode(scheme, gvk, data)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}
