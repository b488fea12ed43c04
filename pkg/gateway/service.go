package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/admission"
	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/authorization"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/monitor"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/registry"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/schema"
	"github.com/prometheus/client_golang/prometheus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	defaultAttachInterval = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// PolicyTracker 为准入控制提供 Gateway 的当前状态。
// 它持有一个 monitor；monitor 因 Gateway 被删除而停止后，会在 Gateway 重新出现时接上新的 monitor。
type PolicyTracker struct {
	repo      registry.Interface
	namespace string
	name      string
	interval  time.Duration
	logger    logr.Logger

	current atomic.Pointer[monitor.Monitor]
}

var _ admission.PolicySource = &PolicyTracker{}

func NewPolicyTracker(repo registry.Interface, namespace, name string, logger logr.Logger) *PolicyTracker {
	return &PolicyTracker{
		repo:      repo,
		namespace: namespace,
		name:      name,
		interval:  defaultAttachInterval,
		logger:    logger.WithValues("gateway", namespace+"/"+name),
	}
}

// State 返回被跟踪 Gateway 的最新状态，还没有 monitor 时返回 nil
func (t *PolicyTracker) State() runtime.Object {
	m := t.current.Load()
	if m == nil {
		return nil
	}
	return m.State()
}

func (t *PolicyTracker) Running() bool {
	m := t.current.Load()
	return m != nil && m.Running()
}

// Run 阻塞直到 ctx 结束
func (t *PolicyTracker) Run(ctx context.Context) {
	wait.UntilWithContext(ctx, t.attach, t.interval)
	if m := t.current.Load(); m != nil {
		m.Stop()
	}
}

// attach 读取 Gateway 并启动 monitor，直到 monitor 结束才返回
func (t *PolicyTracker) attach(ctx context.Context) {
	gvk := cloudstreamsv1.SchemeGroupVersion.WithKind(cloudstreamsv1.GatewayKind)
	m, err := monitor.Get(ctx, t.repo, gvk, t.namespace, t.name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			t.logger.V(2).Info("Gateway does not exist yet")
		} else if ctx.Err() == nil {
			t.logger.Error(err, "Failed to read gateway")
		}
		return
	}
	if err := m.Start(ctx); err != nil {
		if apierrors.IsNotFound(err) {
			t.logger.V(2).Info("Gateway was deleted before its monitor started")
		} else {
			t.logger.Error(err, "Failed to start gateway monitor")
		}
		return
	}
	t.current.Store(m)
	t.logger.Info("Tracking gateway policies", "resourceVersion", m.State().(*cloudstreamsv1.Gateway).ResourceVersion)

	select {
	case <-m.Done():
		t.logger.Info("Gateway was deleted, events are refused until it is recreated")
	case <-ctx.Done():
	}
}

// Options 配置网关服务
type Options struct {
	ListenAddress    string
	GatewayNamespace string
	GatewayName      string
	SchemaBaseURI    string
	Gatherer         prometheus.Gatherer
	// APIHandler 不为 nil 时挂载在 /apis/ 下，与事件入口共用一个端口
	APIHandler http.Handler
}

// Service 把 Gateway 策略跟踪、准入控制和 HTTP 入口组合在一起
type Service struct {
	opts      Options
	tracker   *PolicyTracker
	admission *admission.Controller
	logger    logr.Logger
}

func NewService(repo registry.Interface, schemas schema.Registry, opts Options, logger logr.Logger) *Service {
	tracker := NewPolicyTracker(repo, opts.GatewayNamespace, opts.GatewayName, logger)
	return &Service{
		opts:      opts,
		tracker:   tracker,
		admission: admission.NewController(tracker, authorization.NewManager(nil), schemas, admission.Options{SchemaBaseURI: opts.SchemaBaseURI}),
		logger:    logger,
	}
}

// Handler 返回网关的 http.Handler
func (s *Service) Handler() http.Handler {
	events := NewHandler(s.admission, HandlerOptions{
		Gatherer: s.opts.Gatherer,
		Ready:    s.tracker.Running,
		Logger:   s.logger,
	})
	if s.opts.APIHandler == nil {
		return events
	}
	mux := http.NewServeMux()
	mux.Handle("/apis/", s.opts.APIHandler)
	mux.Handle("/", events)
	return mux
}

// Run 启动策略跟踪并在 ListenAddress 上提供服务，阻塞直到 ctx 结束
func (s *Service) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddress, err)
	}
	return s.Serve(ctx, listener)
}

// Serve 与 Run 相同，但使用调用方提供的 listener
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	go s.tracker.Run(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gateway listening", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
