package util

import (
	"fmt"
	"net/http"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/install"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/client"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/runtime"
)

// Factory 持有 CLI 命令共用的客户端和类型信息
type Factory struct {
	Scheme *runtime.Scheme
	Defs   *definitions.Registry
	Client *client.Client
}

// NewFactoryFromFlags 从 viper 中读取 server 地址，并创建连接资源 API 的客户端。
func NewFactoryFromFlags() (*Factory, error) {
	server := viper.GetString("server")
	if server == "" {
		return nil, fmt.Errorf("server must be specified, e.g. --server http://localhost:8080")
	}
	return NewFactory(server, nil)
}

func NewFactory(server string, httpClient *http.Client) (*Factory, error) {
	scheme, defs, err := install.New()
	if err != nil {
		return nil, err
	}
	c, err := client.New(server, httpClient, scheme, defs)
	if err != nil {
		return nil, err
	}
	return &Factory{Scheme: scheme, Defs: defs, Client: c}, nil
}

// Resolve 把命令行上的资源名（复数、单数、短名或 Kind）解析为资源定义
func (f *Factory) Resolve(resource string) (definitions.Definition, error) {
	return f.Defs.Resolve(resource)
}
