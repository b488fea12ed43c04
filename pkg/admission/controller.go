// Package admission 决定网关是否接受一个入站事件。
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudstreamsv1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/cloudstreams/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/authorization"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/cloudevent"
	cserrors "github.com/neuroglia-io/cloud-streams-sub001/pkg/errors"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/metrics"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/schema"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"
)

// PolicySource 提供 Gateway 的最新状态，通常是一个 monitor.Monitor
type PolicySource interface {
	State() runtime.Object
	Running() bool
}

// Decision 是对一个事件的准入结果。拒绝时 Reason 为非空。
type Decision struct {
	Allowed bool
	Reason  cserrors.Reason
	Message string
	// Errors 在 ValidationFailed 时按字段列出违反之处
	Errors map[string][]string
}

// Retryable 表示拒绝来自暂时不可用的上游，而不是确定的拒绝
func (d Decision) Retryable() bool {
	return d.Reason == cserrors.ReasonUpstreamUnavailable
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(err error) Decision {
	d := Decision{Reason: cserrors.ReasonFor(err), Message: err.Error()}
	var verr *cserrors.ValidationError
	if errors.As(err, &verr) {
		d.Errors = verr.Errors
	}
	return d
}

type Options struct {
	// SchemaBaseURI 是自动生成 schema 的 URI 前缀，默认 schema.DefaultBaseURI
	SchemaBaseURI string
}

// Controller 依次执行结构校验、授权和负载校验。它没有自己的状态，可以并发使用。
type Controller struct {
	gateway   PolicySource
	authz     *authorization.Manager
	schemas   schema.Registry
	generator *schema.Generator
	validator *schema.Validator
	baseURI   string
	logger    klog.Logger
}

func NewController(gateway PolicySource, authz *authorization.Manager, schemas schema.Registry, opts Options) *Controller {
	if opts.SchemaBaseURI == "" {
		opts.SchemaBaseURI = schema.DefaultBaseURI
	}
	return &Controller{
		gateway:   gateway,
		authz:     authz,
		schemas:   schemas,
		generator: schema.NewGenerator(),
		validator: schema.NewValidator(),
		baseURI:   opts.SchemaBaseURI,
		logger:    klog.LoggerWithName(klog.Background(), "admission"),
	}
}

// Evaluate 对事件做出准入决定。解析到的 schema URI 会写回 event.DataSchema。
// 所有失败都以 Decision 返回，不会返回错误。
func (c *Controller) Evaluate(ctx context.Context, event *cloudevent.Event) (d Decision) {
	start := time.Now()
	defer func() {
		result := "allowed"
		if !d.Allowed {
			result = "denied"
		}
		metrics.RecordAdmission(result, string(d.Reason), time.Since(start))
		c.logger.V(4).Info("Admission decision", "event", event.ID, "type", event.Type, "allowed", d.Allowed, "reason", d.Reason)
	}()

	if err := cserrors.NewValidationError(event.Validate()); err != nil {
		return deny(err)
	}

	gw, err := c.currentGateway()
	if err != nil {
		return deny(err)
	}

	authzDecision, err := c.authz.Evaluate(ctx, event, gw.Spec.AuthorizationPolicyFor(event.Source))
	if err != nil {
		return deny(err)
	}
	if !authzDecision.Allowed {
		return deny(cserrors.Forbiddenf("%s", authzDecision.Reason))
	}

	if err := c.validatePayload(ctx, event, gw.Spec.ValidationPolicyFor(event.Source)); err != nil {
		return deny(err)
	}
	return allow()
}

// currentGateway 只通过 monitor 读取策略，monitor 停止后策略可能已经过期
func (c *Controller) currentGateway() (*cloudstreamsv1.Gateway, error) {
	if !c.gateway.Running() {
		return nil, cserrors.WrapUpstreamUnavailable(errors.New("gateway monitor is not running"))
	}
	gw, ok := c.gateway.State().(*cloudstreamsv1.Gateway)
	if !ok {
		return nil, cserrors.Configurationf("monitored resource is %T, not a Gateway", c.gateway.State())
	}
	return gw, nil
}

func (c *Controller) validatePayload(ctx context.Context, event *cloudevent.Event, policy *cloudstreamsv1.ValidationPolicy) error {
	if policy == nil {
		policy = &cloudstreamsv1.ValidationPolicy{}
	}
	if policy.SkipValidation {
		return nil
	}

	s, err := c.resolveSchema(ctx, event, policy)
	if err != nil || s == nil {
		return err
	}
	errs, err := c.validator.Validate(s, event.Data)
	if err != nil {
		return err
	}
	if verr := cserrors.NewValidationError(errs); verr != nil {
		return verr
	}
	return nil
}

// resolveSchema 依次尝试：事件声明的 dataschema，按类型注册过的 schema，自动生成。
// 没有可用的 schema 且策略允许时返回 nil。
func (c *Controller) resolveSchema(ctx context.Context, event *cloudevent.Event, policy *cloudstreamsv1.ValidationPolicy) (*schema.Schema, error) {
	if event.DataSchema != "" {
		s, err := c.schemas.Get(ctx, event.DataSchema)
		if apierrors.IsNotFound(err) {
			return nil, fieldError(cloudevent.AttributeDataSchema, fmt.Sprintf("schema not found: %s", event.DataSchema))
		}
		if err != nil {
			return nil, cserrors.WrapUpstreamUnavailable(err)
		}
		return s, nil
	}

	dataSchema := policy.DataSchema
	if dataSchema == nil {
		dataSchema = &cloudstreamsv1.DataSchemaValidationPolicy{}
	}
	if dataSchema.Required {
		return nil, fieldError(cloudevent.AttributeDataSchema, "missing data schema")
	}

	s, err := c.schemas.Lookup(ctx, event.Type)
	switch {
	case err == nil:
		event.DataSchema = s.URI
		return s, nil
	case !apierrors.IsNotFound(err):
		return nil, cserrors.WrapUpstreamUnavailable(err)
	}

	if !dataSchema.AutoGenerate || !event.HasData() {
		return nil, nil
	}
	s, err = c.generate(ctx, event)
	if err != nil {
		return nil, err
	}
	event.DataSchema = s.URI
	return s, nil
}

// generate 根据负载生成并注册 schema。并发的首次注册中只有一个成功，其余的读回已注册的那一个。
func (c *Controller) generate(ctx context.Context, event *cloudevent.Event) (*schema.Schema, error) {
	doc, err := c.generator.Generate(event.Data)
	if err != nil {
		return nil, fieldError(cloudevent.AttributeData, err.Error())
	}
	s := &schema.Schema{URI: schema.URIFor(c.baseURI, event.Type), Type: event.Type, Document: doc}
	err = c.schemas.Register(ctx, s)
	switch {
	case err == nil:
		metrics.RecordSchemaGenerated()
		c.logger.Info("Registered generated schema", "type", event.Type, "uri", s.URI)
		return s, nil
	case apierrors.IsAlreadyExists(err):
		existing, err := c.schemas.Lookup(ctx, event.Type)
		if apierrors.IsNotFound(err) {
			// URI 被一个没有声明类型的 schema 占用
			existing, err = c.schemas.Get(ctx, s.URI)
		}
		if err != nil {
			return nil, cserrors.WrapUpstreamUnavailable(err)
		}
		return existing, nil
	default:
		return nil, cserrors.WrapUpstreamUnavailable(err)
	}
}

func fieldError(field, message string) error {
	v := &cserrors.ValidationError{}
	v.Add(field, message)
	return v
}
