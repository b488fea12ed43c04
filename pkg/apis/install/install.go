package install

import (
	"fmt"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	"k8s.io/apimachinery/pkg/runtime"
)

// New 构造一个全新的 Scheme 和资源定义表。
// 每次调用都返回独立的实例，测试之间不会共享任何全局状态。
func New() (*runtime.Scheme, *definitions.Registry, error) {
	scheme := runtime.NewScheme()
	if err := cloudstreamsv1.AddToScheme(scheme); err != nil {
		return nil, nil, fmt.Errorf("failed to build scheme: %w", err)
	}

	defs := definitions.NewRegistry()
	if err := cloudstreamsv1.AddToDefinitions(defs); err != nil {
		return nil, nil, err
	}

	// 每个已登记的定义都必须在 scheme 中有对应的 Go 类型
	for _, def := range defs.List() {
		if !scheme.Recognizes(def.GroupVersionKind()) {
			return nil, nil, fmt.Errorf("kind %s has a manifest but no registered type", def.GroupVersionKind())
		}
		if !scheme.Recognizes(def.ListGroupVersionKind()) {
			return nil, nil, fmt.Errorf("kind %s has a manifest but no registered list type", def.ListGroupVersionKind())
		}
	}
	return scheme, defs, nil
}
