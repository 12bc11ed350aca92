package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tannerhall/conduit/internal/auth"
	"github.com/tannerhall/conduit/internal/execution"
	"github.com/tannerhall/conduit/internal/model"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
	"github.com/tannerhall/conduit/internal/trigger"
)

type invocation struct {
	cfg     runtime.Config
	payload runtime.TriggerPayload
	ic      runtime.InvocationContext
}

// fakeBackend records invocations and can fail or panic for a chosen
// trigger, which exercises fan-out isolation.
type fakeBackend struct {
	mu             sync.Mutex
	created        []string
	invocations    []invocation
	failTriggerID  string
	panicTriggerID string
	definitions    *runtime.DefinitionsResult
}

func (f *fakeBackend) CreateRuntime(_ context.Context, cfg runtime.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg.RuntimeID)
	return model.ProvisioningInProgress, nil
}

func (f *fakeBackend) GetRuntimeStatus(context.Context, string) (string, error) {
	return model.ProvisioningCompleted, nil
}

func (f *fakeBackend) InvokeTrigger(_ context.Context, cfg runtime.Config, _ runtime.CodeBundle, payload runtime.TriggerPayload, ic runtime.InvocationContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicTriggerID != "" && ic.TriggerID == f.panicTriggerID {
		panic("runtime wedged")
	}
	if f.failTriggerID != "" && ic.TriggerID == f.failTriggerID {
		return errors.New("sandbox unreachable")
	}
	f.invocations = append(f.invocations, invocation{cfg: cfg, payload: payload, ic: ic})
	return nil
}

func (f *fakeBackend) GetDefinitions(context.Context, runtime.Config, runtime.CodeBundle, map[string]json.RawMessage) (*runtime.DefinitionsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.definitions != nil {
		return f.definitions, nil
	}
	return &runtime.DefinitionsResult{Success: true}, nil
}

func (f *fakeBackend) DestroyRuntime(context.Context, runtime.Config) error { return nil }

func (f *fakeBackend) IsHealthy(context.Context, runtime.Config) bool { return true }

func (f *fakeBackend) TeardownUnusedRuntimes(context.Context) error { return nil }

type testEnv struct {
	d       *Dispatcher
	st      store.Store
	backend *fakeBackend
	broker  *EventBroker
	tokens  *auth.TokenIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &fakeBackend{}
	broker := NewEventBroker()
	tokens := auth.NewTokenIssuer([]byte("test-secret"))
	execs := execution.NewManager(st, logger)
	resolve := func(r *model.Runtime) string { return "registry.test/conduit@" + r.ID }

	d := NewDispatcher(st, execs, trigger.NewRegistry(), trigger.NewSyncer(st, logger), backend, resolve, tokens, broker, "http://conduit.test/", logger)
	return &testEnv{d: d, st: st, backend: backend, broker: broker, tokens: tokens}
}

// seedWorkflow creates an org, namespace, workflow, and active deployment.
func (env *testEnv) seedWorkflow(t *testing.T, limit int, deployed bool) *model.Workflow {
	t.Helper()
	ctx := context.Background()

	org := &model.Organization{ID: model.NewID(), Name: "org", ExecutionLimit: limit, CreatedAt: time.Now().UTC()}
	if err := env.st.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	ns := &model.Namespace{ID: model.NewID(), OrganizationID: org.ID, Name: "prod", CreatedAt: time.Now().UTC()}
	if err := env.st.CreateNamespace(ctx, ns); err != nil {
		t.Fatalf("create namespace: %v", err)
	}
	wf := &model.Workflow{ID: model.NewID(), NamespaceID: ns.ID, Name: "wf", CreatedAt: time.Now().UTC()}
	if err := env.st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if deployed {
		dep := &model.Deployment{
			ID:         model.NewID(),
			WorkflowID: wf.ID,
			Entry:      "main.ts",
			Files:      map[string]string{"main.ts": "export {}"},
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := env.st.CreateDeployment(ctx, dep); err != nil {
			t.Fatalf("create deployment: %v", err)
		}
	}
	return wf
}

func (env *testEnv) seedTrigger(t *testing.T, workflowID string, filters []model.Filter) *model.Trigger {
	t.Helper()
	tr := &model.Trigger{
		ID:          model.NewID(),
		WorkflowID:  workflowID,
		Provider:    trigger.ProviderChat,
		TriggerType: trigger.TypeChatMessage,
		Input:       model.TriggerInput{Filters: filters},
		CreatedAt:   time.Now().UTC(),
	}
	if err := env.st.CreateTrigger(context.Background(), tr); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	return tr
}

func (env *testEnv) seedWebhook(t *testing.T, wh *model.IncomingWebhook) {
	t.Helper()
	if err := env.st.PutWebhook(context.Background(), wh); err != nil {
		t.Fatalf("put webhook: %v", err)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/webhook/chat":       "/webhook/chat",
		"chat":                "/webhook/chat",
		"/chat":               "/webhook/chat",
		"/webhook/chat/":      "/webhook/chat",
		"/webhook":            "/webhook",
		"webhook/x":           "/webhook/webhook/x",
		"/webhook/triggers/a": "/webhook/triggers/a",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleWebhookUnknownPath(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.d.HandleWebhook(context.Background(), "/webhook/nowhere", http.MethodPost, runtime.TriggerPayload{})
	if !errors.Is(err, ErrNoWebhook) {
		t.Fatalf("err = %v, want ErrNoWebhook", err)
	}
}

func TestTriggerOwnedWebhookInvokes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)
	tr := env.seedTrigger(t, wf.ID, nil)
	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/triggers/" + tr.ID, Method: http.MethodPost,
		Owner: model.WebhookOwnerTrigger, TriggerID: tr.ID,
	})

	body := json.RawMessage(`{"hello":"world"}`)
	res, err := env.d.HandleWebhook(ctx, "/webhook/triggers/"+tr.ID, http.MethodPost, runtime.TriggerPayload{Body: body})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if res.Execution == nil || res.Execution.Status != model.StatusStarted {
		t.Fatalf("result = %+v", res)
	}

	if len(env.backend.invocations) != 1 {
		t.Fatalf("invocations = %d, want 1", len(env.backend.invocations))
	}
	inv := env.backend.invocations[0]
	if inv.ic.ExecutionID != res.Execution.ID || inv.ic.TriggerID != tr.ID {
		t.Fatalf("invocation context = %+v", inv.ic)
	}
	if inv.ic.CallbackURL != "http://conduit.test/v1/invocations/callback" {
		t.Fatalf("callback url = %q", inv.ic.CallbackURL)
	}
	// The issued token verifies back to the owning workflow.
	gotWf, err := env.tokens.Verify(inv.ic.Token)
	if err != nil || gotWf != wf.ID {
		t.Fatalf("token verified to %q, %v", gotWf, err)
	}
	if string(inv.payload.Body) != string(body) {
		t.Fatalf("payload body = %s", inv.payload.Body)
	}
}

func TestTriggerOwnedQuotaIsHard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 1, true)
	tr := env.seedTrigger(t, wf.ID, nil)
	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/triggers/" + tr.ID, Method: http.MethodPost,
		Owner: model.WebhookOwnerTrigger, TriggerID: tr.ID,
	})

	// First request consumes the only allowed execution.
	if _, err := env.d.HandleWebhook(ctx, "/webhook/triggers/"+tr.ID, http.MethodPost, runtime.TriggerPayload{}); err != nil {
		t.Fatalf("first HandleWebhook: %v", err)
	}

	res, err := env.d.HandleWebhook(ctx, "/webhook/triggers/"+tr.ID, http.MethodPost, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("second HandleWebhook: %v", err)
	}
	if !res.LimitReached {
		t.Fatal("expected limit-reached result")
	}
	if res.Execution != nil {
		t.Fatal("over-quota request must not create an execution")
	}
	_, total, err := env.st.ListExecutions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if total != 1 {
		t.Fatalf("executions = %d, want 1", total)
	}
}

func TestNoDeploymentIsTerminalNotError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, false)
	tr := env.seedTrigger(t, wf.ID, nil)
	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/triggers/" + tr.ID, Method: http.MethodPost,
		Owner: model.WebhookOwnerTrigger, TriggerID: tr.ID,
	})

	res, err := env.d.HandleWebhook(ctx, "/webhook/triggers/"+tr.ID, http.MethodPost, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if res.Execution == nil || res.Execution.Status != model.StatusNoDeployment {
		t.Fatalf("result = %+v", res)
	}
	if len(env.backend.invocations) != 0 {
		t.Fatal("no runtime invocation expected without a deployment")
	}
}

func TestProviderFanOutFiltersAndIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	matching := env.seedTrigger(t, wf.ID, []model.Filter{{Field: trigger.FieldChannel, Equals: "C1"}})
	failing := env.seedTrigger(t, wf.ID, nil)
	other := env.seedTrigger(t, wf.ID, []model.Filter{{Field: trigger.FieldChannel, Equals: "C2"}})
	env.backend.failTriggerID = failing.ID

	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/chat", Method: http.MethodPost,
		Owner: model.WebhookOwnerProvider, Provider: trigger.ProviderChat,
	})

	res, err := env.d.HandleWebhook(ctx, "/webhook/chat", http.MethodPost,
		runtime.TriggerPayload{Body: json.RawMessage(`{"channel":"C1"}`)})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if len(res.Triggers) != 3 {
		t.Fatalf("trigger results = %d, want 3", len(res.Triggers))
	}

	byID := map[string]TriggerResult{}
	for _, r := range res.Triggers {
		byID[r.TriggerID] = r
	}
	if r := byID[matching.ID]; !r.Matched || r.Error != "" || r.Status != model.StatusStarted {
		t.Fatalf("matching trigger result = %+v", r)
	}
	// The failing trigger's error is contained; its execution is failed.
	if r := byID[failing.ID]; r.Error == "" || r.Status != model.StatusFailed {
		t.Fatalf("failing trigger result = %+v", r)
	}
	if r := byID[other.ID]; r.Matched || r.ExecutionID != "" {
		t.Fatalf("non-matching trigger result = %+v", r)
	}
}

func TestProviderFanOutPanicIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	panicking := env.seedTrigger(t, wf.ID, nil)
	healthy := env.seedTrigger(t, wf.ID, nil)
	env.backend.panicTriggerID = panicking.ID

	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/chat", Method: http.MethodPost,
		Owner: model.WebhookOwnerProvider, Provider: trigger.ProviderChat,
	})

	res, err := env.d.HandleWebhook(ctx, "/webhook/chat", http.MethodPost,
		runtime.TriggerPayload{Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	byID := map[string]TriggerResult{}
	for _, r := range res.Triggers {
		byID[r.TriggerID] = r
	}
	if r := byID[panicking.ID]; r.Error == "" {
		t.Fatalf("panicking trigger result = %+v", r)
	}
	if r := byID[healthy.ID]; r.Status != model.StatusStarted {
		t.Fatalf("healthy trigger result = %+v", r)
	}
}

func TestProviderFanOutQuotaSoftSkip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limited := env.seedWorkflow(t, 1, true)
	unlimited := env.seedWorkflow(t, 0, true)
	limitedTr := env.seedTrigger(t, limited.ID, nil)
	unlimitedTr := env.seedTrigger(t, unlimited.ID, nil)

	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/chat", Method: http.MethodPost,
		Owner: model.WebhookOwnerProvider, Provider: trigger.ProviderChat,
	})

	// Exhaust the limited org's quota.
	if _, err := env.d.RunManual(ctx, limited.ID, runtime.TriggerPayload{}); err != nil {
		t.Fatalf("RunManual: %v", err)
	}

	res, err := env.d.HandleWebhook(ctx, "/webhook/chat", http.MethodPost,
		runtime.TriggerPayload{Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	byID := map[string]TriggerResult{}
	for _, r := range res.Triggers {
		byID[r.TriggerID] = r
	}
	if r := byID[limitedTr.ID]; r.Skipped != "quota" || r.ExecutionID != "" {
		t.Fatalf("limited trigger result = %+v", r)
	}
	// The skip does not abort the batch.
	if r := byID[unlimitedTr.ID]; r.Status != model.StatusStarted {
		t.Fatalf("unlimited trigger result = %+v", r)
	}
}

func TestRunManual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	e, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{Method: http.MethodPost, Path: "/run"})
	if err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	if e.TriggerID != nil {
		t.Fatalf("trigger id = %v, want nil for manual run", e.TriggerID)
	}
	if e.Status != model.StatusStarted {
		t.Fatalf("status = %q", e.Status)
	}
}

func TestRunManualQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 1, true)

	if _, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{}); err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	if _, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{}); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
}

func TestCallbackCompletesExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	e, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	token := env.backend.invocations[0].ic.Token

	events, cancel := env.broker.Subscribe(e.ID)
	defer cancel()

	err = env.d.Callback(ctx, token, CallbackRequest{
		ExecutionID: e.ID,
		Success:     true,
		Result:      json.RawMessage(`{"sum":3}`),
		Logs:        []string{"computing", "done"},
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	stored, _ := env.st.GetExecution(ctx, e.ID)
	if stored.Status != model.StatusCompleted || string(stored.Result) != `{"sum":3}` {
		t.Fatalf("stored = %+v", stored)
	}
	lines, _ := env.st.GetLogLines(ctx, e.ID)
	if len(lines) != 2 || lines[0].Line != "computing" {
		t.Fatalf("log lines = %+v", lines)
	}

	ev, ok := <-events
	if !ok || ev.Type != EventCompleted {
		t.Fatalf("event = %+v ok=%v", ev, ok)
	}
	// Topic closes after the terminal event.
	if _, ok := <-events; ok {
		t.Fatal("expected closed event stream")
	}
}

func TestCallbackRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	e, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("RunManual: %v", err)
	}

	err = env.d.Callback(ctx, "not-a-token", CallbackRequest{ExecutionID: e.ID, Success: true})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestCallbackRejectsForeignExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wfA := env.seedWorkflow(t, 0, true)
	wfB := env.seedWorkflow(t, 0, true)

	eA, err := env.d.RunManual(ctx, wfA.ID, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("RunManual A: %v", err)
	}
	if _, err := env.d.RunManual(ctx, wfB.ID, runtime.TriggerPayload{}); err != nil {
		t.Fatalf("RunManual B: %v", err)
	}
	tokenB := env.backend.invocations[1].ic.Token

	// Workflow B's token must not finish workflow A's execution.
	err = env.d.Callback(ctx, tokenB, CallbackRequest{ExecutionID: eA.ID, Success: true})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	stored, _ := env.st.GetExecution(ctx, eA.ID)
	if stored.Status != model.StatusStarted {
		t.Fatalf("status = %q, execution must be untouched", stored.Status)
	}
}

func TestExpiredTokenCallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	e, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	token := env.backend.invocations[0].ic.Token

	// Sanity: the real token works before expiry.
	if err := env.d.Callback(ctx, token, CallbackRequest{ExecutionID: e.ID, Success: false, Error: "boom"}); err != nil {
		t.Fatalf("Callback: %v", err)
	}
	stored, _ := env.st.GetExecution(ctx, e.ID)
	if stored.Status != model.StatusFailed || stored.Error != "boom" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestExecutionOpenedBeforeInvocationFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)
	tr := env.seedTrigger(t, wf.ID, nil)
	env.backend.failTriggerID = tr.ID
	env.seedWebhook(t, &model.IncomingWebhook{
		Path: "/webhook/triggers/" + tr.ID, Method: http.MethodPost,
		Owner: model.WebhookOwnerTrigger, TriggerID: tr.ID,
	})

	_, err := env.d.HandleWebhook(ctx, "/webhook/triggers/"+tr.ID, http.MethodPost, runtime.TriggerPayload{})
	if err == nil {
		t.Fatal("expected invocation error")
	}

	// The infrastructure failure is observable as a failed execution record.
	execs, total, err := env.st.ListExecutions(ctx, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("executions = %d (%v), want 1", total, err)
	}
	if execs[0].Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", execs[0].Status)
	}
}

func TestDeploySyncsDeclaredTriggers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, false)

	env.backend.definitions = &runtime.DefinitionsResult{
		Success: true,
		Triggers: []runtime.TriggerDefinition{
			{Provider: trigger.ProviderChat, ProviderAlias: "team", TriggerType: trigger.TypeChatMessage},
			{Provider: "custom", TriggerType: model.TriggerTypeWebhook},
		},
	}
	code := runtime.CodeBundle{Entry: "main.ts", Files: map[string]string{"main.ts": "export {}"}}

	dep, defs, err := env.d.Deploy(ctx, wf.ID, code, nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("declared = %d, want 2", len(defs))
	}

	active, err := env.st.GetActiveDeployment(ctx, wf.ID)
	if err != nil {
		t.Fatalf("active deployment: %v", err)
	}
	if active.ID != dep.ID || active.Entry != "main.ts" {
		t.Fatalf("active = %+v, want %s", active, dep.ID)
	}

	stored, err := env.st.ListTriggersByWorkflow(ctx, wf.ID)
	if err != nil || len(stored) != 2 {
		t.Fatalf("triggers = %d (%v), want 2", len(stored), err)
	}
	for _, tr := range stored {
		if tr.TriggerType != model.TriggerTypeWebhook {
			continue
		}
		// The webhook-type trigger gets an inbound route.
		if _, err := env.st.GetWebhook(ctx, trigger.WebhookPath(tr.ID), http.MethodPost); err != nil {
			t.Fatalf("trigger webhook: %v", err)
		}
	}

	// Redeploying the same declarations leaves the trigger set unchanged.
	if _, _, err := env.d.Deploy(ctx, wf.ID, code, nil); err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	stored, err = env.st.ListTriggersByWorkflow(ctx, wf.ID)
	if err != nil || len(stored) != 2 {
		t.Fatalf("triggers after redeploy = %d (%v), want 2", len(stored), err)
	}

	// Dropping every declaration removes the stored triggers.
	env.backend.definitions = &runtime.DefinitionsResult{Success: true}
	if _, _, err := env.d.Deploy(ctx, wf.ID, code, nil); err != nil {
		t.Fatalf("empty Deploy: %v", err)
	}
	stored, err = env.st.ListTriggersByWorkflow(ctx, wf.ID)
	if err != nil || len(stored) != 0 {
		t.Fatalf("triggers after teardown = %d (%v), want 0", len(stored), err)
	}
}

func TestDeployFailedDefinitionsKeepsOldBundle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	before, err := env.st.GetActiveDeployment(ctx, wf.ID)
	if err != nil {
		t.Fatalf("active deployment: %v", err)
	}

	env.backend.definitions = &runtime.DefinitionsResult{Success: false, Error: "syntax error in main.ts"}
	code := runtime.CodeBundle{Entry: "main.ts", Files: map[string]string{"main.ts": "export {"}}
	if _, _, err := env.d.Deploy(ctx, wf.ID, code, nil); err == nil {
		t.Fatal("expected deploy error")
	}

	after, err := env.st.GetActiveDeployment(ctx, wf.ID)
	if err != nil {
		t.Fatalf("active deployment after failure: %v", err)
	}
	if after.ID != before.ID {
		t.Fatalf("active deployment changed: %s -> %s", before.ID, after.ID)
	}
}

func TestDeployUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	code := runtime.CodeBundle{Entry: "main.ts", Files: map[string]string{"main.ts": "export {}"}}
	_, _, err := env.d.Deploy(context.Background(), "missing", code, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCallbackReplayDoesNotDuplicateLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, 0, true)

	e, err := env.d.RunManual(ctx, wf.ID, runtime.TriggerPayload{})
	if err != nil {
		t.Fatalf("RunManual: %v", err)
	}
	token := env.backend.invocations[0].ic.Token

	req := CallbackRequest{
		ExecutionID: e.ID,
		Success:     true,
		Result:      json.RawMessage(`{"ok":true}`),
		Logs:        []string{"line one", "line two"},
	}
	if err := env.d.Callback(ctx, token, req); err != nil {
		t.Fatalf("Callback: %v", err)
	}

	// Replaying the callback with the still-valid token is rejected and
	// must leave the persisted logs untouched.
	err = env.d.Callback(ctx, token, req)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("replay err = %v, want ErrInvalidTransition", err)
	}
	lines, err := env.st.GetLogLines(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2", len(lines))
	}
}
