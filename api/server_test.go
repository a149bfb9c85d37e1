package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/arbai/pkg/advisory"
	"github.com/gregtusar/arbai/pkg/market"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/priority"
	"github.com/gregtusar/arbai/pkg/reconcile"
	"github.com/gregtusar/arbai/pkg/scheduler"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/gregtusar/arbai/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestServer(t *testing.T) (*httptest.Server, *trader.Agent) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.New(store.NewMemoryBackend(), logger)
	rec := reconcile.New(st, nil, time.Second, logger)
	executor := trader.NewExecutor(st, nil, trader.DefaultExecutorConfig(), logger)
	intents := trader.NewIntents(st, nil, rec, executor.Guard(), logger)

	sampler := market.NewSampler(market.NewStaticSource(market.DefaultBasePrices()), market.SamplerConfig{VenueBSpread: 0.05, Seed: 1}, logger)
	agent := trader.NewAgent(
		sampler,
		market.NewDetector(decimal.Zero),
		advisory.NewClient(nil, advisory.DefaultConfig(), logger),
		priority.NewRanker(priority.DefaultThresholds()),
		executor,
		scheduler.NewManual(),
		trader.DefaultAgentConfig(),
		logger,
	)

	srv := NewServer(agent, intents, executor, st, logger, "0", "alice.near")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, agent
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestIntentLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := do(t, http.MethodPost, ts.URL+"/api/intents", `{"symbolPair":"ETH","minProfitThresholdPercent":"1"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid pair status=%d want=400", code)
	}

	var created models.Intent
	code := do(t, http.MethodPost, ts.URL+"/api/intents", `{"symbolPair":"ETH/USDC","minProfitThresholdPercent":"1.5"}`, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status=%d", code)
	}
	if created.User != "alice.near" || created.Status != models.IntentStatusActive {
		t.Fatalf("created=%+v", created)
	}

	var list struct {
		Intents    []models.Intent   `json:"intents"`
		Provenance models.Provenance `json:"provenance"`
	}
	do(t, http.MethodGet, ts.URL+"/api/intents", "", &list)
	if len(list.Intents) != 1 || list.Provenance != models.ProvenanceLocal {
		t.Fatalf("list=%+v", list)
	}
	do(t, http.MethodGet, ts.URL+"/api/intents?user=bob.near", "", &list)
	if len(list.Intents) != 0 {
		t.Fatalf("bob sees %d intents", len(list.Intents))
	}

	if code := do(t, http.MethodPost, ts.URL+"/api/intents/"+created.ID+"/pause", "", nil); code != http.StatusOK {
		t.Fatalf("pause status=%d", code)
	}
	if code := do(t, http.MethodPost, ts.URL+"/api/intents/"+created.ID+"/pause", "", nil); code != http.StatusConflict {
		t.Fatalf("double pause status=%d want=409", code)
	}
	if code := do(t, http.MethodPost, ts.URL+"/api/intents/missing/resume", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing resume status=%d want=404", code)
	}
	if code := do(t, http.MethodPost, ts.URL+"/api/intents/"+created.ID+"/resume", "", nil); code != http.StatusOK {
		t.Fatalf("resume status=%d", code)
	}

	var result models.ExecutionResult
	body := `{"intentId":"` + created.ID + `","venueAPrice":"3000","venueBPrice":"2954.50"}`
	if code := do(t, http.MethodPost, ts.URL+"/api/executions", body, &result); code != http.StatusCreated {
		t.Fatalf("execute status=%d", code)
	}
	if !result.Profit.Equal(decimal.RequireFromString("36.4")) || result.SucceededRemotely {
		t.Fatalf("result=%+v", result)
	}
	if code := do(t, http.MethodPost, ts.URL+"/api/executions", body, nil); code != http.StatusConflict {
		t.Fatalf("second execute status=%d want=409", code)
	}

	var profit struct {
		TotalProfit decimal.Decimal `json:"totalProfit"`
	}
	do(t, http.MethodGet, ts.URL+"/api/profit", "", &profit)
	if !profit.TotalProfit.Equal(decimal.RequireFromString("36.4")) {
		t.Fatalf("profit=%s want=36.4", profit.TotalProfit)
	}
}

func TestExportClearImport(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/api/intents", `{"symbolPair":"ETH/USDC","minProfitThresholdPercent":"2"}`, nil)

	resp, err := http.Get(ts.URL + "/api/store/export")
	if err != nil {
		t.Fatal(err)
	}
	exported, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if code := do(t, http.MethodDelete, ts.URL+"/api/store", "", nil); code != http.StatusBadRequest {
		t.Fatalf("unconfirmed clear status=%d want=400", code)
	}
	if code := do(t, http.MethodDelete, ts.URL+"/api/store?confirm=true", "", nil); code != http.StatusNoContent {
		t.Fatalf("clear status=%d", code)
	}

	var list struct {
		Intents []models.Intent `json:"intents"`
	}
	do(t, http.MethodGet, ts.URL+"/api/intents", "", &list)
	if len(list.Intents) != 0 {
		t.Fatalf("intents after clear=%d", len(list.Intents))
	}

	if code := do(t, http.MethodPost, ts.URL+"/api/store/import", `{"intents":[{"id":""}]}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad import status=%d want=400", code)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/store/import", bytes.NewReader(exported))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status=%d", resp.StatusCode)
	}

	do(t, http.MethodGet, ts.URL+"/api/intents", "", &list)
	if len(list.Intents) != 1 {
		t.Fatalf("intents after import=%d want=1", len(list.Intents))
	}
}

func TestOpportunitiesAndStream(t *testing.T) {
	ts, agent := newTestServer(t)

	var opps struct {
		Opportunities []models.Candidate `json:"opportunities"`
	}
	do(t, http.MethodGet, ts.URL+"/api/opportunities?refresh=true", "", &opps)
	if len(opps.Opportunities) == 0 {
		t.Fatal("no opportunities after refresh")
	}
	for _, c := range opps.Opportunities {
		if c.Advisory == nil || !c.Advisory.IsFallback() || c.Priority != models.PriorityLow {
			t.Fatalf("candidate %+v should carry a low-priority fallback advisory", c)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/opportunities/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first streamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "opportunities" || len(first.Opportunities) != len(opps.Opportunities) {
		t.Fatalf("first message=%+v", first)
	}

	// The subscription is registered before the first write, so a scan
	// now is delivered.
	agent.Scan(t.Context())
	var next streamMessage
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatal(err)
	}
	if len(next.Opportunities) == 0 {
		t.Fatal("pushed cycle is empty")
	}
}

func TestExecutionSignatureAndInfo(t *testing.T) {
	ts, _ := newTestServer(t)

	var created models.Intent
	do(t, http.MethodPost, ts.URL+"/api/intents", `{"symbolPair":"ETH/USDC","minProfitThresholdPercent":"1"}`, &created)
	var result models.ExecutionResult
	body := `{"intentId":"` + created.ID + `","venueAPrice":"3000","venueBPrice":"2950"}`
	if code := do(t, http.MethodPost, ts.URL+"/api/executions", body, &result); code != http.StatusCreated {
		t.Fatalf("execute status=%d", code)
	}

	var detail struct {
		Execution models.Execution `json:"execution"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/executions/"+result.ExecutionID, "", &detail); code != http.StatusOK {
		t.Fatalf("get execution status=%d", code)
	}
	if detail.Execution.IntentID != created.ID {
		t.Fatalf("execution=%+v", detail.Execution)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/executions/"+result.ExecutionID+"?user=bob.near", "", nil); code != http.StatusNotFound {
		t.Fatalf("foreign execution status=%d want=404", code)
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/executions/missing", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing execution status=%d want=404", code)
	}

	sigURL := ts.URL + "/api/executions/" + result.ExecutionID + "/signature"
	var check struct {
		Verified bool `json:"verified"`
	}
	do(t, http.MethodGet, sigURL, "", &check)
	if check.Verified {
		t.Fatal("verified before signing")
	}
	if code := do(t, http.MethodPost, sigURL, `{"signature":"not base64!","publicKey":"pk"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad signature status=%d want=400", code)
	}
	if code := do(t, http.MethodPost, sigURL, `{"signature":"c2lnbmVk","publicKey":"ed25519:pk","chainId":1,"nonce":2}`, nil); code != http.StatusCreated {
		t.Fatalf("store signature status=%d", code)
	}
	do(t, http.MethodGet, sigURL, "", &check)
	if !check.Verified {
		t.Fatal("signature not verified after storing")
	}

	var info struct {
		Version string `json:"version"`
		Local   struct {
			Intents    int `json:"intents"`
			Executions int `json:"executions"`
			Signatures int `json:"signatures"`
		} `json:"local"`
	}
	if code := do(t, http.MethodGet, ts.URL+"/api/info", "", &info); code != http.StatusOK {
		t.Fatalf("info status=%d", code)
	}
	if info.Local.Intents != 1 || info.Local.Executions != 1 || info.Local.Signatures != 1 || info.Version == "" {
		t.Fatalf("info=%+v", info)
	}
}

func TestImportRejectsInconsistentProfits(t *testing.T) {
	ts, _ := newTestServer(t)
	doc := `{"executions":[{"id":"e1","intentId":"i1","user":"alice.near","symbolPair":"ETH/USDC",` +
		`"priceDifference":"50","profit":"40","feeEstimate":"0.01","settlementReference":"local-1",` +
		`"timestamp":1,"venueAPrice":"3000","venueBPrice":"2950","origin":"local"}],` +
		`"profits":{"alice.near":"999"}}`
	if code := do(t, http.MethodPost, ts.URL+"/api/store/import", doc, nil); code != http.StatusBadRequest {
		t.Fatalf("import status=%d want=400", code)
	}
}
