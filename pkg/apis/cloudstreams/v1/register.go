package v1

import (
	"embed"
	"fmt"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupName 是我们 API Group 的名称
const GroupName = "cloud-streams.io"

// SchemeGroupVersion is group version used to register these objects.
var SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: "v1"}

const (
	GatewayKind      = "Gateway"
	BrokerKind       = "Broker"
	SubscriptionKind = "Subscription"
)

// SchemeBuilder is used to add go types to the GroupVersionKind scheme.
var (
	SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)
	AddToScheme   = SchemeBuilder.AddToScheme
)

// addKnownTypes adds the known types to the Scheme.
func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(SchemeGroupVersion,
		&Gateway{},
		&GatewayList{},
		&Broker{},
		&BrokerList{},
		&Subscription{},
		&SubscriptionList{},
	)
	return nil
}

// Kind takes an unqualified kind and returns back a Group qualified GroupKind
func Kind(kind string) schema.GroupKind {
	return SchemeGroupVersion.WithKind(kind).GroupKind()
}

//go:embed crds/*.yaml
var manifests embed.FS

// manifestFiles 显式列出随二进制一起发布的 CRD 清单。
// 新增资源类型时必须在这里登记，不做目录扫描。
var manifestFiles = []string{
	"crds/gateways.yaml",
	"crds/brokers.yaml",
	"crds/subscriptions.yaml",
}

// AddToDefinitions 把本组所有资源类型的定义注册到 registry 中。
func AddToDefinitions(registry *definitions.Registry) error {
	for _, file := range manifestFiles {
		data, err := manifests.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read embedded manifest %s: %w", file, err)
		}
		if _, err := registry.RegisterManifest(data); err != nil {
			return fmt.Errorf("failed to register manifest %s: %w", file, err)
		}
	}
	return nil
}
