// Package dispatch orchestrates webhook ingestion, trigger fan-out, manual
// invocation, and the authenticated completion callback. Each inbound
// request is an independent unit of work; nothing here serializes dispatch
// across requests.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tannerhall/conduit/internal/auth"
	"github.com/tannerhall/conduit/internal/execution"
	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
	"github.com/tannerhall/conduit/internal/trigger"
)

// webhookPrefix is the canonical inbound path prefix.
const webhookPrefix = "/webhook"

// callbackPath is appended to the configured callback base URL.
const callbackPath = "/v1/invocations/callback"

// ErrNoWebhook is returned when no webhook is registered for a normalized
// (path, method) pair.
var ErrNoWebhook = errors.New("no webhook registered")

// ErrLimitReached is returned when a hard quota check rejects an invocation.
// No execution record exists in that case.
var ErrLimitReached = errors.New("execution limit reached")

// TriggerResult is the per-trigger outcome of a provider-owned fan-out.
// Exactly one of Skipped, Error, or ExecutionID is meaningful; a trigger
// whose filters did not match carries none of them.
type TriggerResult struct {
	TriggerID   string `json:"trigger_id"`
	Matched     bool   `json:"matched"`
	Skipped     string `json:"skipped,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// skippedQuota marks a trigger skipped by the soft per-trigger quota check.
const skippedQuota = "quota"

// Result is the outcome of one inbound webhook.
type Result struct {
	Owner        string           `json:"owner"`
	LimitReached bool             `json:"limit_reached,omitempty"`
	Execution    *model.Execution `json:"execution,omitempty"`
	Triggers     []TriggerResult  `json:"triggers,omitempty"`
}

// ImageResolver resolves a runtime record to the artifact reference the
// configured backend deploys.
type ImageResolver func(r *model.Runtime) string

// Dispatcher wires the store, execution manager, trigger matcher, runtime
// backend, and token issuer into the ingestion and callback paths.
type Dispatcher struct {
	store   store.Store
	execs   *execution.Manager
	matcher *trigger.Registry
	syncer  *trigger.Syncer
	backend runtime.Runtime
	resolve ImageResolver
	tokens  *auth.TokenIssuer
	broker  *EventBroker
	logger  *slog.Logger

	callbackURL string
}

// NewDispatcher creates a dispatcher. callbackBaseURL is the externally
// reachable base URL sandboxed code reports back to.
func NewDispatcher(
	st store.Store,
	execs *execution.Manager,
	matcher *trigger.Registry,
	syncer *trigger.Syncer,
	backend runtime.Runtime,
	resolve ImageResolver,
	tokens *auth.TokenIssuer,
	broker *EventBroker,
	callbackBaseURL string,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:       st,
		execs:       execs,
		matcher:     matcher,
		syncer:      syncer,
		backend:     backend,
		resolve:     resolve,
		tokens:      tokens,
		broker:      broker,
		callbackURL: strings.TrimSuffix(callbackBaseURL, "/") + callbackPath,
		logger:      logger,
	}
}

// NormalizePath maps an inbound request path onto the canonical webhook key:
// leading slash, fixed /webhook prefix, no trailing slash.
func NormalizePath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if p != webhookPrefix && !strings.HasPrefix(p, webhookPrefix+"/") {
		p = webhookPrefix + p
	}
	return p
}

// HandleWebhook resolves the normalized (path, method) pair to its owner and
// dispatches accordingly.
func (d *Dispatcher) HandleWebhook(ctx context.Context, path, method string, payload runtime.TriggerPayload) (*Result, error) {
	payload.Path = NormalizePath(path)
	payload.Method = method

	wh, err := d.store.GetWebhook(ctx, payload.Path, method)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoWebhook
	}
	if err != nil {
		return nil, fmt.Errorf("lookup webhook: %w", err)
	}

	switch wh.Owner {
	case model.WebhookOwnerProvider:
		res, err := d.fanOut(ctx, wh.Provider, payload)
		observeWebhook(wh.Owner, err)
		return res, err
	case model.WebhookOwnerTrigger:
		res, err := d.dispatchTriggerOwned(ctx, wh.TriggerID, payload)
		observeWebhook(wh.Owner, err)
		return res, err
	default:
		return nil, fmt.Errorf("webhook %s %s has unknown owner %q", payload.Path, method, wh.Owner)
	}
}

// fanOut dispatches a provider-owned event to every trigger registered
// against the provider. Triggers are evaluated independently: a quota-
// exceeded, non-matching, or failing trigger never prevents the remaining
// triggers from being attempted.
func (d *Dispatcher) fanOut(ctx context.Context, provider string, payload runtime.TriggerPayload) (*Result, error) {
	triggers, err := d.store.ListTriggersByProvider(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("list %s triggers: %w", provider, err)
	}

	res := &Result{Owner: model.WebhookOwnerProvider, Triggers: make([]TriggerResult, 0, len(triggers))}
	for _, t := range triggers {
		res.Triggers = append(res.Triggers, d.dispatchOne(ctx, t, payload))
	}
	return res, nil
}

// dispatchOne handles a single trigger within a fan-out batch. Panics are
// contained here so one misbehaving trigger cannot abort the batch.
func (d *Dispatcher) dispatchOne(ctx context.Context, t *model.Trigger, payload runtime.TriggerPayload) (tr TriggerResult) {
	tr = TriggerResult{TriggerID: t.ID}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("trigger dispatch panicked", "trigger_id", t.ID, "panic", r)
			tr.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	org, err := d.store.GetOrganizationForWorkflow(ctx, t.WorkflowID)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	allowed, err := d.execs.Allowed(ctx, org)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	if !allowed {
		// Soft skip: one quota-exceeded trigger must not abort the batch.
		d.logger.Warn("trigger skipped: execution limit reached", "trigger_id", t.ID, "organization_id", org.ID)
		tr.Skipped = skippedQuota
		return tr
	}

	matched, err := d.matcher.Evaluate(t, payload.Body)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	if !matched {
		return tr
	}
	tr.Matched = true

	e, err := d.invoke(ctx, t.WorkflowID, &t.ID, payload)
	if e != nil {
		tr.ExecutionID = e.ID
		tr.Status = e.Status
	}
	if err != nil {
		tr.Error = err.Error()
	}
	return tr
}

// dispatchTriggerOwned handles a webhook bound to exactly one trigger. The
// quota check is hard: on violation the caller gets a distinguishable
// limit-reached result and no execution record is created.
func (d *Dispatcher) dispatchTriggerOwned(ctx context.Context, triggerID string, payload runtime.TriggerPayload) (*Result, error) {
	t, err := d.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, fmt.Errorf("load trigger %s: %w", triggerID, err)
	}
	org, err := d.store.GetOrganizationForWorkflow(ctx, t.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}
	allowed, err := d.execs.Allowed(ctx, org)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &Result{Owner: model.WebhookOwnerTrigger, LimitReached: true}, nil
	}

	e, err := d.invoke(ctx, t.WorkflowID, &t.ID, payload)
	if err != nil {
		return nil, err
	}
	return &Result{Owner: model.WebhookOwnerTrigger, Execution: e}, nil
}

// Deploy stores a new active code bundle for the workflow, asks the runtime
// which providers and triggers the code declares, and reconciles stored
// triggers against the declarations. The bundle is activated only after the
// definitions query succeeds, so a broken bundle never displaces a working
// deployment.
func (d *Dispatcher) Deploy(ctx context.Context, workflowID string, code runtime.CodeBundle, providerConfigs map[string]json.RawMessage) (*model.Deployment, []runtime.TriggerDefinition, error) {
	if _, err := d.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, nil, fmt.Errorf("load workflow: %w", err)
	}

	cfg, err := d.runtimeConfig(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := d.backend.CreateRuntime(ctx, cfg); err != nil {
		return nil, nil, fmt.Errorf("provision runtime: %w", err)
	}

	defs, err := d.backend.GetDefinitions(ctx, cfg, code, providerConfigs)
	if err != nil {
		return nil, nil, fmt.Errorf("get definitions: %w", err)
	}
	if !defs.Success {
		return nil, nil, fmt.Errorf("definitions query failed: %s", defs.Error)
	}

	dep := &model.Deployment{
		ID:         model.NewID(),
		WorkflowID: workflowID,
		Entry:      code.Entry,
		Files:      code.Files,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.CreateDeployment(ctx, dep); err != nil {
		return nil, nil, fmt.Errorf("store deployment: %w", err)
	}

	if err := d.syncer.Sync(ctx, workflowID, defs.Triggers); err != nil {
		return dep, defs.Triggers, fmt.Errorf("sync triggers: %w", err)
	}
	d.logger.Info("workflow deployed", "workflow_id", workflowID, "deployment_id", dep.ID, "triggers", len(defs.Triggers))
	return dep, defs.Triggers, nil
}

// RunManual invokes a workflow outside any trigger. The quota check is hard,
// as for trigger-owned webhooks.
func (d *Dispatcher) RunManual(ctx context.Context, workflowID string, payload runtime.TriggerPayload) (*model.Execution, error) {
	org, err := d.store.GetOrganizationForWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}
	allowed, err := d.execs.Allowed(ctx, org)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrLimitReached
	}
	return d.invoke(ctx, workflowID, nil, payload)
}

// invoke is the shared Execution-then-invoke path. The execution record is
// opened before any runtime work is attempted so infrastructure failures
// stay observable. An absent active deployment finishes the execution as
// no_deployment and returns it without error.
func (d *Dispatcher) invoke(ctx context.Context, workflowID string, triggerID *string, payload runtime.TriggerPayload) (*model.Execution, error) {
	e, err := d.execs.Open(ctx, workflowID, triggerID)
	if err != nil {
		return nil, err
	}
	d.publish(e.ID, EventReceived, nil)

	dep, err := d.store.GetActiveDeployment(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		if err := d.execs.NoDeployment(ctx, e.ID); err != nil {
			return e, err
		}
		e.Status = model.StatusNoDeployment
		d.publish(e.ID, EventNoDeployment, nil)
		d.broker.Close(e.ID)
		return e, nil
	}
	if err != nil {
		return e, d.failExecution(ctx, e, fmt.Errorf("load deployment: %w", err))
	}

	cfg, err := d.runtimeConfig(ctx, workflowID)
	if err != nil {
		return e, d.failExecution(ctx, e, err)
	}
	if _, err := d.backend.CreateRuntime(ctx, cfg); err != nil {
		return e, d.failExecution(ctx, e, fmt.Errorf("provision runtime: %w", err))
	}

	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return e, d.failExecution(ctx, e, err)
	}
	token, err := d.tokens.Issue(workflowID, wf.NamespaceID, e.ID)
	if err != nil {
		return e, d.failExecution(ctx, e, fmt.Errorf("issue invocation token: %w", err))
	}

	ic := runtime.InvocationContext{
		ExecutionID: e.ID,
		WorkflowID:  workflowID,
		CallbackURL: d.callbackURL,
		Token:       token,
	}
	if triggerID != nil {
		ic.TriggerID = *triggerID
	}
	code := runtime.CodeBundle{Entry: dep.Entry, Files: dep.Files}

	if err := d.backend.InvokeTrigger(ctx, cfg, code, payload, ic); err != nil {
		return e, d.failExecution(ctx, e, fmt.Errorf("invoke runtime: %w", err))
	}
	if err := d.touchRuntime(ctx, cfg.RuntimeID); err != nil {
		d.logger.Warn("touch runtime failed", "runtime_id", cfg.RuntimeID, "error", err)
	}

	if err := d.execs.Start(ctx, e.ID); err != nil {
		return e, err
	}
	e.Status = model.StatusStarted
	d.publish(e.ID, EventStarted, nil)
	return e, nil
}

// runtimeConfig resolves the runtime the workflow's namespace is scoped to,
// falling back to the implicit default runtime.
func (d *Dispatcher) runtimeConfig(ctx context.Context, workflowID string) (runtime.Config, error) {
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return runtime.Config{}, fmt.Errorf("load workflow: %w", err)
	}
	ns, err := d.store.GetNamespace(ctx, wf.NamespaceID)
	if err != nil {
		return runtime.Config{}, fmt.Errorf("load namespace: %w", err)
	}

	runtimeID := model.DefaultRuntimeID
	if ns.DefaultRuntimeID != nil && *ns.DefaultRuntimeID != "" {
		runtimeID = *ns.DefaultRuntimeID
	}

	rt, err := d.store.GetRuntime(ctx, runtimeID)
	if errors.Is(err, store.ErrNotFound) {
		rt = &model.Runtime{ID: runtimeID}
	} else if err != nil {
		return runtime.Config{}, fmt.Errorf("load runtime record: %w", err)
	}

	return runtime.Config{RuntimeID: rt.ID, ImageRef: d.resolve(rt)}, nil
}

func (d *Dispatcher) touchRuntime(ctx context.Context, runtimeID string) error {
	err := d.store.TouchRuntime(ctx, runtimeID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// CallbackRequest is the body sandboxed code posts when it finishes.
type CallbackRequest struct {
	ExecutionID string          `json:"execution_id"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Logs        []string        `json:"logs,omitempty"`
}

// Callback finishes an execution on behalf of the sandboxed code. The
// bearer token is verified to a workflow id and the execution must belong to
// that workflow; every authentication failure collapses to
// auth.ErrUnauthenticated.
func (d *Dispatcher) Callback(ctx context.Context, token string, req CallbackRequest) error {
	workflowID, err := d.tokens.Verify(token)
	if err != nil {
		return auth.ErrUnauthenticated
	}

	e, err := d.store.GetExecution(ctx, req.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if e.WorkflowID != workflowID {
		return auth.ErrUnauthenticated
	}

	if req.Success {
		err = d.execs.Complete(ctx, e.ID, req.Result)
	} else {
		err = d.execs.Fail(ctx, e.ID, req.Error)
	}
	if err != nil {
		return err
	}

	// Logs land only after the transition is accepted, so a replayed
	// callback against a finished execution cannot append duplicates.
	if len(req.Logs) > 0 {
		if err := d.execs.AppendLogs(ctx, e.ID, req.Logs); err != nil {
			d.logger.Error("persist callback logs failed", "execution_id", e.ID, "error", err)
		}
	}

	if req.Success {
		d.publish(e.ID, EventCompleted, req.Result)
	} else {
		d.publish(e.ID, EventFailed, nil)
	}
	d.broker.Close(e.ID)
	return nil
}

// failExecution finishes the execution as failed and returns the original
// error for the caller to report.
func (d *Dispatcher) failExecution(ctx context.Context, e *model.Execution, cause error) error {
	if err := d.execs.Fail(ctx, e.ID, cause.Error()); err != nil {
		d.logger.Error("mark execution failed", "execution_id", e.ID, "error", err)
	}
	e.Status = model.StatusFailed
	d.publish(e.ID, EventFailed, nil)
	d.broker.Close(e.ID)
	return cause
}

// publish emits a preview event. Best effort; dispatch never fails because
// nobody is listening.
func (d *Dispatcher) publish(executionID, eventType string, data json.RawMessage) {
	d.broker.Publish(executionID, Event{
		ExecutionID: executionID,
		Type:        eventType,
		Data:        data,
		Time:        time.Now().UTC(),
	})
}
