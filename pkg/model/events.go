package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical wrapper for every message handed between stages.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	EventID   string          `json:"event_id"` // partition key
	Topic     string          `json:"topic"`
	EventType string          `json:"event_type"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RequestAdmitted is delivered by the ingress gateway.
type RequestAdmitted struct {
	Request Request `json:"request"`
}

// PaymentConfirmed is emitted once the request is classified and any
// up-front payment has been proven.
type PaymentConfirmed struct {
	Request Request             `json:"request"`
	Intent  Intent              `json:"intent"`
	Payment *VerificationResult `json:"payment,omitempty"`
	At      time.Time           `json:"at"`
}

// SettlementOrder is the matching outcome handed to the ledger and transfer stages.
type SettlementOrder struct {
	Request   Request             `json:"request"`
	Intent    Intent              `json:"intent"`
	Fills     []Fill              `json:"fills,omitempty"`
	Legs      []Leg               `json:"legs"`
	Listing   *Listing            `json:"listing,omitempty"`
	Payment   *VerificationResult `json:"payment,omitempty"`
	Fees      FeeBreakdown        `json:"fees"`
	MatchedAt time.Time           `json:"matched_at"`
}

// Leg returns the leg with matchID.
func (o *SettlementOrder) Leg(matchID string) (Leg, bool) {
	for _, l := range o.Legs {
		if l.MatchID == matchID {
			return l, true
		}
	}
	return Leg{}, false
}

// LedgerPosted reports one leg's journal posting.
type LedgerPosted struct {
	EventID   string    `json:"event_id"`
	MatchID   string    `json:"match_id"`
	PostingID string    `json:"posting_id"`
	At        time.Time `json:"at"`
}

// AssetTransferred reports one leg's custodian movement.
type AssetTransferred struct {
	EventID string         `json:"event_id"`
	Record  TransferRecord `json:"record"`
}

// StageFailure is emitted by any stage that cannot complete its work.
type StageFailure struct {
	EventID string              `json:"event_id"`
	Request *Request            `json:"request,omitempty"`
	Intent  Intent              `json:"intent,omitempty"`
	Stage   Stage               `json:"stage"`
	Reason  Reason              `json:"reason"`
	Message string              `json:"message,omitempty"`
	Payment *VerificationResult `json:"payment,omitempty"`
	At      time.Time           `json:"at"`
}
