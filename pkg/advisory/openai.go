package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const systemPrompt = `You assess cross-venue arbitrage opportunities. Reply with a single JSON object and nothing else:
{"action":"BUY|SELL|HOLD|WAIT","confidence":0-100,"riskLevel":"LOW|MEDIUM|HIGH","sentiment":"BULLISH|BEARISH|NEUTRAL","rationale":"one or two sentences"}`

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIProvider struct {
	client openai.Client
	model  string
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The advisory client owns the retry budget.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

type assessment struct {
	Action     string `json:"action"`
	Confidence int    `json:"confidence"`
	RiskLevel  string `json:"riskLevel"`
	Sentiment  string `json:"sentiment"`
	Rationale  string `json:"rationale"`
}

func (p *OpenAIProvider) Assess(ctx context.Context, req Request) (models.Advisory, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(req)),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return models.Advisory{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return models.Advisory{}, fmt.Errorf("%w: %v", models.ErrAdvisoryUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return models.Advisory{}, fmt.Errorf("%w: empty completion", models.ErrAdvisoryUnavailable)
	}

	return parseAssessment(resp.Choices[0].Message.Content)
}

func buildPrompt(req Request) string {
	c := req.Candidate
	return fmt.Sprintf(
		"Symbol pair: %s\n%s price: %s\n%s price: %s\nPrice difference: %s\nProfit percent: %s%%\nAssess whether to act on this spread.",
		c.SymbolPair,
		req.Venues.VenueA, c.VenueAPrice.String(),
		req.Venues.VenueB, c.VenueBPrice.String(),
		c.PriceDifference.String(),
		c.ProfitPercent.StringFixed(2),
	)
}

func parseAssessment(content string) (models.Advisory, error) {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	if i := strings.Index(body, "{"); i > 0 {
		body = body[i:]
	}
	if j := strings.LastIndex(body, "}"); j >= 0 && j < len(body)-1 {
		body = body[:j+1]
	}

	var a assessment
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return models.Advisory{}, fmt.Errorf("%w: malformed assessment: %v", models.ErrAdvisoryUnavailable, err)
	}

	return models.Advisory{
		Action:     models.AdvisoryAction(a.Action),
		Confidence: a.Confidence,
		RiskLevel:  models.RiskLevel(a.RiskLevel),
		Rationale:  a.Rationale,
		Sentiment:  models.Sentiment(a.Sentiment),
	}, nil
}
