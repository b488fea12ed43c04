// Package config 定义 cloudstreams 进程的配置，并从 viper 中加载。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/neuroglia-io/cloud-streams-sub001/pkg/controller"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/schema"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/labels"
)

// EnvPrefix 是环境变量的前缀，例如 CLOUDSTREAMS_GATEWAY_NAME
const EnvPrefix = "CLOUDSTREAMS"

type Config struct {
	// Server 是远程资源 API 的地址。为空时使用本地 bbolt 仓库。
	Server string `mapstructure:"server"`
	// DataDir 存放 bbolt 数据库
	DataDir string `mapstructure:"dataDir"`
	// ListenAddress 同时提供资源 API 和事件入口
	ListenAddress  string               `mapstructure:"listenAddress"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Schemas        SchemasConfig        `mapstructure:"schemas"`
}

// GatewayConfig 指定本进程服务的 Gateway 资源
type GatewayConfig struct {
	Name      string `mapstructure:"name"`
	Namespace string `mapstructure:"namespace"`
}

type ReconciliationConfig struct {
	// Namespace 为空表示所有命名空间
	Namespace     string        `mapstructure:"namespace"`
	LabelSelector string        `mapstructure:"labelSelector"`
	Interval      time.Duration `mapstructure:"interval"`
}

type SchemasConfig struct {
	// Dir 为空时 schema 只保存在内存中
	Dir     string `mapstructure:"dir"`
	BaseURI string `mapstructure:"baseURI"`
}

// SetDefaults 为所有键设置默认值。AutomaticEnv 只对 viper 已知的键生效，所以每个键都要有默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server", "")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("listenAddress", ":8080")
	v.SetDefault("gateway.name", "default")
	v.SetDefault("gateway.namespace", "default")
	v.SetDefault("reconciliation.namespace", "")
	v.SetDefault("reconciliation.labelSelector", "")
	v.SetDefault("reconciliation.interval", controller.DefaultReconciliationInterval)
	v.SetDefault("schemas.dir", "")
	v.SetDefault("schemas.baseURI", schema.DefaultBaseURI)
}

// BindEnv 让 CLOUDSTREAMS_ 前缀的环境变量覆盖配置，"." 映射为 "_"
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load 从 viper 中解出配置并校验
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server == "" && c.DataDir == "" {
		return fmt.Errorf("either server or dataDir must be set")
	}
	if c.Gateway.Name == "" || c.Gateway.Namespace == "" {
		return fmt.Errorf("gateway.name and gateway.namespace must be set")
	}
	if c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be positive, got %s", c.Reconciliation.Interval)
	}
	if _, err := labels.Parse(c.Reconciliation.LabelSelector); err != nil {
		return fmt.Errorf("invalid reconciliation.labelSelector: %w", err)
	}
	return nil
}

// ControllerOptions 把调谐配置转换成 controller.Options
func (c ReconciliationConfig) ControllerOptions() (controller.Options, error) {
	opts := controller.Options{
		Namespace:              c.Namespace,
		ReconciliationInterval: c.Interval,
	}
	if c.LabelSelector != "" {
		selector, err := labels.Parse(c.LabelSelector)
		if err != nil {
			return controller.Options{}, err
		}
		opts.LabelSelector = selector
	}
	return opts, nil
}
