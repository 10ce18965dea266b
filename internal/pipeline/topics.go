package pipeline

// Topics carried on the bus. Every message is keyed by event id.
const (
	TopicRequests    = "settlement.requests"          // RequestAdmitted, from the gateway
	TopicVerified    = "settlement.verified"          // PaymentConfirmed
	TopicMatched     = "settlement.matched"           // SettlementOrder
	TopicPosted      = "settlement.ledger.posted"     // LedgerPosted, one per leg
	TopicTransferred = "settlement.asset.transferred" // AssetTransferred, one per leg
	TopicFailed      = "settlement.failed"            // StageFailure
	TopicReceipts    = "settlement.receipts"          // Receipt
)

// Event types stamped on envelopes.
const (
	EventRequestAdmitted  = "RequestAdmitted"
	EventPaymentConfirmed = "PaymentConfirmed"
	EventSettlementOrder  = "SettlementOrder"
	EventLedgerPosted     = "LedgerPosted"
	EventAssetTransferred = "AssetTransferred"
	EventStageFailure     = "StageFailure"
	EventReceipt          = "Receipt"
)

const envelopeVersion = "1"
