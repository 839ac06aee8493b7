package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cardwatch/cardwatch/db"
	"github.com/cardwatch/cardwatch/internal/analyzer"
	"github.com/cardwatch/cardwatch/internal/auth"
	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/dispatcher"
	"github.com/cardwatch/cardwatch/internal/evaluator"
	"github.com/cardwatch/cardwatch/internal/fx"
	"github.com/cardwatch/cardwatch/internal/handlers"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/orchestrator"
	"github.com/cardwatch/cardwatch/internal/router"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const ingestToken = "test-ingest-token"

type app struct {
	router *gin.Engine
	store  *store.Store
	llm    *testutil.FakeLLM
}

func setupApp(t *testing.T) *app {
	t.Helper()

	gin.SetMode(gin.TestMode)
	t.Setenv("JWT_SECRET", "test-secret")
	require.NoError(t, auth.InitJWTSecret())

	conn := testutil.OpenTestDB(t)
	db.DB = conn

	s := store.New(conn)
	fakeLLM := &testutil.FakeLLM{}

	comp := compiler.New(s, testutil.NewFakeEmbedder(), fakeLLM, config.CompileConfig{
		DupSimilarityThreshold:      0.92,
		CategorySimilarityThreshold: 0.80,
		Deadline:                    5 * time.Second,
		RetryBudget:                 1,
		RetryBaseDelay:              time.Millisecond,
	}, time.Second, zap.NewNop())

	table, err := fx.Load("")
	require.NoError(t, err)

	eval := evaluator.New(s, analyzer.New(s, 800), table, config.EvalConfig{
		SQLTimeout: time.Second, QueueMax: 64, Workers: 2, MaxConsecutiveFailures: 5,
		DrainTimeout: time.Second,
	}, zap.NewNop())
	disp := dispatcher.New(s, config.DispatchConfig{
		Retries: 1, BackoffBase: time.Millisecond, Workers: 1, Timeout: time.Second,
	}, config.SMTPConfig{}, zap.NewNop())

	orch := orchestrator.New(eval, disp, config.EvalConfig{
		SQLTimeout: time.Second, QueueMax: 64, Workers: 2, DrainTimeout: time.Second,
	}, config.DispatchConfig{Workers: 1}, zap.NewNop())
	orchestrator.Initialize(orch)
	t.Cleanup(orchestrator.Shutdown)

	handlers.Setup(s, comp)

	return &app{router: router.NewRouter(ingestToken), store: s, llm: fakeLLM}
}

func (a *app) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()

	token, err := auth.GenerateJWT(userID, userID+"@example.com")
	require.NoError(t, err)
	return token
}

func thresholdIntent(amount float64) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"kind": "THRESHOLD", "amount": amount, "operator": ">", "confidence": 0.95,
	})
	return string(raw)
}

func ingestBody(userID, cardID string, amount float64) map[string]interface{} {
	return map[string]interface{}{
		"user_id":       userID,
		"card_id":       cardID,
		"amount":        amount,
		"currency":      "USD",
		"merchant_name": "ACME",
		"occurred_at":   time.Now().UTC().Format(time.RFC3339),
		"status":        "APPROVED",
	}
}

func TestIngestTransaction(t *testing.T) {
	a := setupApp(t)

	user := testutil.SeedUser(t, a.store.DB(), "u1")
	card := testutil.SeedCard(t, a.store.DB(), "c1", user.ID)

	headers := map[string]string{"X-Ingest-Token": ingestToken}

	w := a.do(t, "POST", "/api/transactions", "", ingestBody(user.ID, card.ID, 42.5), headers)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["transaction_id"])

	// Schema violations answer 400.
	bad := ingestBody(user.ID, card.ID, 42.5)
	delete(bad, "merchant_name")
	w = a.do(t, "POST", "/api/transactions", "", bad, headers)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, "POST", "/api/transactions", "", ingestBody(user.ID, card.ID, -5), headers)
	require.Equal(t, http.StatusBadRequest, w.Code)

	invalid := ingestBody(user.ID, card.ID, 10)
	invalid["status"] = "MYSTERY"
	w = a.do(t, "POST", "/api/transactions", "", invalid, headers)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, "POST", "/api/transactions", "", ingestBody("nobody", card.ID, 10), headers)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Missing or wrong ingest token answers 401.
	w = a.do(t, "POST", "/api/transactions", "", ingestBody(user.ID, card.ID, 10), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRuleLifecycleOverHTTP(t *testing.T) {
	a := setupApp(t)

	user := testutil.SeedUser(t, a.store.DB(), "u1")
	token := bearerFor(t, user.ID)

	a.llm.Intent = thresholdIntent(500)

	// Validate without persisting.
	w := a.do(t, "POST", "/api/rules/validate", token, gin.H{"nl_text": "alert me over $500"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var validated struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &validated))
	require.Equal(t, "valid", validated.Result)

	rules, err := a.store.ListRules(user.ID)
	require.NoError(t, err)
	require.Empty(t, rules)

	// Create persists.
	w = a.do(t, "POST", "/api/rules", token, gin.H{"nl_text": "alert me over $500"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Result string               `json:"result"`
		Rule   handlers.RuleSummary `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, "valid", created.Result)
	require.NotEmpty(t, created.Rule.ID)

	// List and get.
	w = a.do(t, "GET", "/api/rules", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, "GET", "/api/rules/"+created.Rule.ID, token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Edit re-compiles; history gains a revision.
	a.llm.Intent = thresholdIntent(750)
	w = a.do(t, "PATCH", "/api/rules/"+created.Rule.ID, token, gin.H{"nl_text": "alert me over $750"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, "GET", "/api/rules/"+created.Rule.ID+"/history", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var history struct {
		History []handlers.RevisionSummary `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.History, 2)

	// Another user cannot see or delete the rule.
	other := testutil.SeedUser(t, a.store.DB(), "u2")
	otherToken := bearerFor(t, other.ID)

	w = a.do(t, "GET", "/api/rules/"+created.Rule.ID, otherToken, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "DELETE", "/api/rules/"+created.Rule.ID, otherToken, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// Owner deletes.
	w = a.do(t, "DELETE", "/api/rules/"+created.Rule.ID, token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	rules, err = a.store.ListRules(user.ID)
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestRuleDeactivateViaPatch(t *testing.T) {
	a := setupApp(t)

	user := testutil.SeedUser(t, a.store.DB(), "u1")
	token := bearerFor(t, user.ID)

	a.llm.Intent = thresholdIntent(500)

	w := a.do(t, "POST", "/api/rules", token, gin.H{"nl_text": "alert me over $500"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Rule handlers.RuleSummary `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = a.do(t, "PATCH", "/api/rules/"+created.Rule.ID, token, gin.H{"is_active": false}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := a.store.GetRule(created.Rule.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)

	// Deactivated rules no longer evaluate.
	active, err := a.store.GetActiveRules(user.ID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRuleEndpointsRequireAuth(t *testing.T) {
	a := setupApp(t)

	w := a.do(t, "GET", "/api/rules", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, "POST", "/api/rules", "not-a-token", gin.H{"nl_text": "x"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDuplicateRuleOverHTTP(t *testing.T) {
	a := setupApp(t)

	user := testutil.SeedUser(t, a.store.DB(), "u1")
	token := bearerFor(t, user.ID)

	a.llm.Intent = thresholdIntent(500)

	w := a.do(t, "POST", "/api/rules", token, gin.H{"nl_text": "alert me over $500"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Identical text: embeddings match exactly.
	w = a.do(t, "POST", "/api/rules", token, gin.H{"nl_text": "alert me over $500"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result      string  `json:"result"`
		DuplicateOf string  `json:"duplicate_of"`
		Similarity  float64 `json:"similarity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "duplicate", resp.Result)
	require.NotEmpty(t, resp.DuplicateOf)
	require.GreaterOrEqual(t, resp.Similarity, 0.92)
}

func TestNotificationListAndRead(t *testing.T) {
	a := setupApp(t)

	user := testutil.SeedUser(t, a.store.DB(), "u1")
	token := bearerFor(t, user.ID)

	rule := &models.AlertRule{
		UserID: user.ID, NLText: "over $500", Kind: models.RuleKindThreshold,
		SQLText:  "SELECT 1 AS triggered, 1 AS observed, NULL AS baseline, 'x' AS detail FROM transactions t WHERE t.user_id = :user_id AND t.occurred_at >= :window_start",
		IsActive: true, ValidatedSQL: true, Severity: models.SeverityMed,
	}
	require.NoError(t, a.store.InsertRule(rule))

	n := &models.AlertNotification{
		RuleID: rule.ID, UserID: user.ID,
		Channel: models.ChannelEmail, Title: "hello", Severity: models.SeverityMed,
	}
	require.NoError(t, a.store.InsertNotification(n))

	w := a.do(t, "GET", "/api/notifications", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listed struct {
		Notifications []handlers.NotificationSummary `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Notifications, 1)

	// Reading an undelivered notification conflicts.
	w = a.do(t, "POST", "/api/notifications/"+n.ID+"/read", token, nil, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, a.store.AdvanceNotificationStatus(n.ID, models.NotificationSent, ""))

	w = a.do(t, "POST", "/api/notifications/"+n.ID+"/read", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	read, err := a.store.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationRead, read.Status)
	require.NotNil(t, read.ReadAt)
}

func TestHealthEndpoint(t *testing.T) {
	a := setupApp(t)

	w := a.do(t, "GET", "/api/health", "", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")
}

func TestIngestQueueBackpressure(t *testing.T) {
	a := setupApp(t)

	user := testutil.SeedUser(t, a.store.DB(), "u1")
	card := testutil.SeedCard(t, a.store.DB(), "c1", user.ID)

	// A dedicated orchestrator with a tiny queue and no workers running.
	s := a.store
	table, err := fx.Load("")
	require.NoError(t, err)

	eval := evaluator.New(s, analyzer.New(s, 800), table, config.EvalConfig{SQLTimeout: time.Second}, zap.NewNop())
	disp := dispatcher.New(s, config.DispatchConfig{Retries: 1, BackoffBase: time.Millisecond, Timeout: time.Second}, config.SMTPConfig{}, zap.NewNop())

	// Intake closed: every enqueue reports a full queue.
	tiny := orchestrator.New(eval, disp, config.EvalConfig{QueueMax: 1, Workers: 1, SQLTimeout: time.Second, DrainTimeout: time.Millisecond}, config.DispatchConfig{Workers: 1}, zap.NewNop())
	orchestrator.Initialize(tiny)
	tiny.Shutdown()

	headers := map[string]string{"X-Ingest-Token": ingestToken}
	w := a.do(t, "POST", "/api/transactions", "", ingestBody(user.ID, card.ID, 10), headers)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}
