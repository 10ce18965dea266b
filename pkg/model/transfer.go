package model

import "time"

type TransferOperation string

const (
	OperationIssue       TransferOperation = "Issue"
	OperationChangeOwner TransferOperation = "ChangeOwner"
)

// TransferRecord is created once per successful custodian call.
type TransferRecord struct {
	Operation      TransferOperation `json:"operation"`
	AssetReceiptID string            `json:"asset_receipt_id"`
	EventID        string            `json:"event_id"`
	MatchID        string            `json:"match_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         int64             `json:"amount"`
	Attempts       int               `json:"attempts"`
	DeliveredAt    time.Time         `json:"delivered_at"`
}

// Holding is one receipt-backed position reported by the ownership oracle.
type Holding struct {
	AssetReceiptID string `json:"asset_receipt_id"`
	Amount         int64  `json:"amount"`
}

// Ownership is the oracle's view of an account's current holdings.
type Ownership struct {
	AccountID string    `json:"account_id"`
	Holdings  []Holding `json:"holdings"`
}

// Find returns the holding backed by receiptID.
func (o *Ownership) Find(receiptID string) (Holding, bool) {
	if o == nil {
		return Holding{}, false
	}
	for _, h := range o.Holdings {
		if h.AssetReceiptID == receiptID {
			return h, true
		}
	}
	return Holding{}, false
}

// Vault is the identity service's view of a logical account.
type Vault struct {
	AccountID string `json:"account_id"`
	VaultID   string `json:"vault_id"`
	Status    string `json:"status"`
}

// Active reports whether the account may participate in settlement.
func (v Vault) Active() bool {
	return v.Status == "active" || v.Status == "ACTIVE"
}
