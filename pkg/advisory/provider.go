package advisory

import (
	"context"
	"errors"

	"github.com/gregtusar/arbai/pkg/models"
)

// ErrRateLimited marks a provider failure worth retrying after a backoff.
// Any other provider error ends the attempt loop immediately.
var ErrRateLimited = errors.New("advisory provider rate limited")

type VenueMetadata struct {
	VenueA string `json:"venueA"`
	VenueB string `json:"venueB"`
}

func DefaultVenues() VenueMetadata {
	return VenueMetadata{VenueA: "NEAR", VenueB: "Ethereum"}
}

type Request struct {
	Candidate models.Candidate
	Venues    VenueMetadata
}

// Provider is the opaque external recommendation service.
type Provider interface {
	Assess(ctx context.Context, req Request) (models.Advisory, error)
}
