package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/neuroglia-io/cloud-streams-sub001/internal/config"
	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/install"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apiserver"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/client"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/controller"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/gateway"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/metrics"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

const gatewayWorkers = 2

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a CloudStreams node",
		Long: `Hosts the resource API over a local bbolt database (or connects to --server),
runs the Gateway, Broker and Subscription controllers, validates Gateway
policies and accepts cloud events on POST /events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("data-dir", "", "Directory holding the bbolt database (ignored with --server)")
	flags.String("listen-address", "", "Address serving both the resource API and the event gateway")
	flags.String("gateway-name", "", "Name of the Gateway resource this node serves")
	flags.String("gateway-namespace", "", "Namespace of the Gateway resource this node serves")
	flags.String("namespace", "", "Only reconcile resources in this namespace")
	flags.String("selector", "", "Only reconcile resources matching this label selector")
	flags.Duration("reconciliation-interval", 0, "Interval between full reconciliations")
	flags.String("schemas-dir", "", "Directory persisting generated schemas (in memory when empty)")
	flags.String("schema-base-uri", "", "Base URI of generated schema identifiers")

	for key, flag := range map[string]string{
		"dataDir":                      "data-dir",
		"listenAddress":                "listen-address",
		"gateway.name":                 "gateway-name",
		"gateway.namespace":            "gateway-namespace",
		"reconciliation.namespace":     "namespace",
		"reconciliation.labelSelector": "selector",
		"reconciliation.interval":      "reconciliation-interval",
		"schemas.dir":                  "schemas-dir",
		"schemas.baseURI":              "schema-base-uri",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := klog.Background()
	ctx = klog.NewContext(ctx, logger)

	scheme, defs, err := install.New()
	if err != nil {
		return err
	}

	// 资源仓库：本地 bbolt，或者远程节点
	var (
		repo registry.Interface
		api  *apiserver.Server
	)
	if cfg.Server != "" {
		remote, err := client.New(cfg.Server, nil, scheme, defs)
		if err != nil {
			return err
		}
		repo = remote
		logger.Info("Using remote resource API", "server", cfg.Server)
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		local, err := registry.Open(filepath.Join(cfg.DataDir, "cloudstreams.db"), scheme, defs)
		if err != nil {
			return err
		}
		defer local.Close()
		repo = local
		api = apiserver.New(local, scheme, defs)
		logger.Info("Using local resource registry", "dataDir", cfg.DataDir)
	}

	var schemas schema.Registry = schema.NewMemoryRegistry()
	if cfg.Schemas.Dir != "" {
		fileSchemas, err := schema.NewFileRegistry(cfg.Schemas.Dir)
		if err != nil {
			return err
		}
		schemas = fileSchemas
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(promRegistry); err != nil {
		return err
	}

	opts, err := cfg.Reconciliation.ControllerOptions()
	if err != nil {
		return err
	}
	controllers := map[string]*controller.ResourceController{}
	for _, def := range defs.List() {
		rc := controller.NewResourceController(repo, def.GroupVersionKind(), opts)
		if err := rc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s controller: %w", def.Kind, err)
		}
		defer rc.Stop()
		controllers[def.Kind] = rc
	}

	gateways := controller.NewGatewayController(repo, controllers[cloudstreamsv1.GatewayKind])
	go gateways.Run(ctx, gatewayWorkers)

	gatewayOpts := gateway.Options{
		ListenAddress:    cfg.ListenAddress,
		GatewayNamespace: cfg.Gateway.Namespace,
		GatewayName:      cfg.Gateway.Name,
		SchemaBaseURI:    cfg.Schemas.BaseURI,
		Gatherer:         promRegistry,
	}
	if api != nil {
		gatewayOpts.APIHandler = api
	}
	svc := gateway.NewService(repo, schemas, gatewayOpts, logger.WithName("gateway"))
	return svc.Run(ctx)
}
