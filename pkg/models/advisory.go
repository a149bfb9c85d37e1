package models

// Provenance tags where a value came from so callers can branch on it
// instead of on swallowed errors.
type Provenance string

const (
	ProvenanceRemote   Provenance = "remote"
	ProvenanceFallback Provenance = "fallback"
	ProvenanceLocal    Provenance = "local"
)

type AdvisoryAction string

const (
	ActionBuy  AdvisoryAction = "BUY"
	ActionSell AdvisoryAction = "SELL"
	ActionHold AdvisoryAction = "HOLD"
	ActionWait AdvisoryAction = "WAIT"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type Sentiment string

const (
	SentimentBullish Sentiment = "BULLISH"
	SentimentBearish Sentiment = "BEARISH"
	SentimentNeutral Sentiment = "NEUTRAL"
)

type Advisory struct {
	SymbolPair string         `json:"symbolPair"`
	Action     AdvisoryAction `json:"action"`
	Confidence int            `json:"confidence"`
	RiskLevel  RiskLevel      `json:"riskLevel"`
	Rationale  string         `json:"rationale"`
	Sentiment  Sentiment      `json:"sentiment"`
	Source     Provenance     `json:"source"`
	AssessedAt int64          `json:"assessedAt"`
}

// IsFallback reports whether the advisory was synthesized locally.
func (a Advisory) IsFallback() bool {
	return a.Source == ProvenanceFallback
}
