package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient is a Client for a ledger gateway speaking JSON over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewHTTPClient(cfg HTTPConfig, auth Authenticator, logger *logrus.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

type createIntentRequest struct {
	SymbolPair         string          `json:"symbolPair"`
	MinProfitThreshold decimal.Decimal `json:"minProfitThresholdPercent"`
}

type statusRequest struct {
	Status models.IntentStatus `json:"status"`
}

type executeRequest struct {
	VenueAPrice decimal.Decimal `json:"venueAPrice"`
	VenueBPrice decimal.Decimal `json:"venueBPrice"`
}

type profitResponse struct {
	TotalProfit decimal.Decimal `json:"totalProfit"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) CreateIntent(ctx context.Context, user, symbolPair string, minProfitThreshold decimal.Decimal) (Receipt, error) {
	var receipt Receipt
	err := c.do(ctx, http.MethodPost, "/v1/intents", user, createIntentRequest{
		SymbolPair:         symbolPair,
		MinProfitThreshold: minProfitThreshold,
	}, &receipt)
	return receipt, err
}

func (c *HTTPClient) ListIntents(ctx context.Context, user string) ([]models.Intent, error) {
	var intents []models.Intent
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(user)+"/intents", user, nil, &intents); err != nil {
		return nil, err
	}
	for i := range intents {
		intents[i].Origin = models.OriginRemote
		if intents[i].User == "" {
			intents[i].User = user
		}
	}
	return intents, nil
}

func (c *HTTPClient) SetIntentStatus(ctx context.Context, user, intentID string, status models.IntentStatus) error {
	return c.do(ctx, http.MethodPut, "/v1/intents/"+url.PathEscape(intentID)+"/status", user, statusRequest{Status: status}, nil)
}

func (c *HTTPClient) Execute(ctx context.Context, user, intentID string, venueAPrice, venueBPrice decimal.Decimal) (Receipt, error) {
	var receipt Receipt
	err := c.do(ctx, http.MethodPost, "/v1/intents/"+url.PathEscape(intentID)+"/execute", user, executeRequest{
		VenueAPrice: venueAPrice,
		VenueBPrice: venueBPrice,
	}, &receipt)
	return receipt, err
}

func (c *HTTPClient) ListExecutions(ctx context.Context, user string) ([]models.Execution, error) {
	var execs []models.Execution
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(user)+"/executions", user, nil, &execs); err != nil {
		return nil, err
	}
	for i := range execs {
		execs[i].Origin = models.OriginRemote
		if execs[i].User == "" {
			execs[i].User = user
		}
	}
	return execs, nil
}

func (c *HTTPClient) TotalProfit(ctx context.Context, user string) (decimal.Decimal, error) {
	var resp profitResponse
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(user)+"/profit", user, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.TotalProfit, nil
}

func (c *HTTPClient) GetExecution(ctx context.Context, user, executionID string) (models.Execution, error) {
	var exec models.Execution
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(executionID), user, nil, &exec); err != nil {
		return models.Execution{}, err
	}
	exec.Origin = models.OriginRemote
	if exec.User == "" {
		exec.User = user
	}
	return exec, nil
}

func (c *HTTPClient) StoreSignature(ctx context.Context, user string, rec models.SignatureRecord) error {
	return c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(rec.ExecutionID)+"/signature", user, rec, nil)
}

func (c *HTTPClient) VerifySignature(ctx context.Context, user, executionID string) (bool, error) {
	var resp verifyResponse
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(executionID)+"/signature", user, nil, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

func (c *HTTPClient) Info(ctx context.Context) (Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/v1/info", "", nil, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, user string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger %s %s: %v: %w", method, path, err, models.ErrRemoteUnavailable)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode ledger request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ledger %s %s: %v: %w", method, path, err, models.ErrRemoteUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(req, user); err != nil {
			return fmt.Errorf("ledger %s %s: %v: %w", method, path, err, models.ErrRemoteUnavailable)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger %s %s: %v: %w", method, path, err, models.ErrRemoteUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("ledger %s %s: read body: %v: %w", method, path, err, models.ErrRemoteUnavailable)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(method, path, resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("Ledger returned an undecodable body")
		return fmt.Errorf("ledger %s %s: decode: %v: %w", method, path, err, models.ErrRemoteUnavailable)
	}
	return nil
}

// classifyStatus maps gateway responses onto the two remote error kinds.
// Timeouts, throttling and server errors are outages; other 4xx responses
// are business rejections.
func classifyStatus(method, path string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	kind := models.ErrRemoteRejected
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		kind = models.ErrRemoteUnavailable
	}
	return fmt.Errorf("ledger %s %s: status %d: %s: %w", method, path, status, msg, kind)
}

// ErrorMessage turns a ledger error into a short user-facing sentence.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrRemoteRejected):
		return "The ledger rejected the request; it was recorded locally instead."
	case errors.Is(err, models.ErrRemoteUnavailable):
		return "The ledger is unreachable; working in local mode."
	default:
		return err.Error()
	}
}
