// Package classifier maps an admitted request to its transaction intent.
package classifier

import (
	"strings"

	"github.com/Checker-Finance/settlement/pkg/model"
)

// Classify is total and reads only the request's own fields; first match wins.
func Classify(req model.Request) model.Intent {
	switch {
	case strings.TrimSpace(req.ListingID) != "":
		return model.IntentMarketPurchase
	case req.TreasuryDestination || req.To == model.TreasuryAccount:
		return model.IntentTreasuryIssuance
	case strings.TrimSpace(req.ProceedsAddress) != "":
		return model.IntentMarketSell
	default:
		return model.IntentPeerTransfer
	}
}

// RequiresPayment reports whether the intent must carry a verified payment proof.
func RequiresPayment(intent model.Intent) bool {
	return intent == model.IntentTreasuryIssuance || intent == model.IntentMarketPurchase
}

// Buyer returns the account receiving the asset for intent.
func Buyer(req model.Request, intent model.Intent) string {
	switch intent {
	case model.IntentTreasuryIssuance, model.IntentMarketPurchase:
		return req.From
	case model.IntentMarketSell:
		return model.LiquidityPoolAccount
	default:
		return req.To
	}
}
