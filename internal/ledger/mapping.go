package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/settlement/pkg/model"
)

// Account names used by the mapping table.
const (
	AccountTreasuryInventory = "treasury:inventory"
	AccountAssuranceCash     = "assurance:cash"
	AccountPlatformFees      = "platform:fees"
)

// ErrUnmappedIntent means no mapping exists for the order's intent and leg kind.
var ErrUnmappedIntent = errors.New("no ledger mapping for intent")

func UserAsset(id string) string       { return "user:" + id + ":asset" }
func UserCash(id string) string        { return "user:" + id + ":cash" }
func ListingLocked(id string) string   { return "listing:" + id + ":locked" }
func ListingRealized(id string) string { return "listing:" + id + ":realized" }

func dr(account, currency string, amount decimal.Decimal) model.JournalLine {
	return model.JournalLine{Account: account, Currency: currency, Amount: amount, Side: model.Debit}
}

func cr(account, currency string, amount decimal.Decimal) model.JournalLine {
	return model.JournalLine{Account: account, Currency: currency, Amount: amount, Side: model.Credit}
}

// BuildPosting maps one settlement leg to its journal posting.
func BuildPosting(order *model.SettlementOrder, leg model.Leg, at time.Time) (*model.JournalPosting, error) {
	units := decimal.NewFromInt(leg.Amount)
	var lines []model.JournalLine
	var desc string

	switch {
	case order.Intent == model.IntentTreasuryIssuance:
		desc = "treasury issuance"
		lines = append(lines,
			dr(UserAsset(leg.To), model.CurrencyAsset, units),
			cr(AccountTreasuryInventory, model.CurrencyAsset, units),
		)
		if leg.GrossCash.IsPositive() {
			lines = append(lines,
				dr(AccountAssuranceCash, model.CurrencyUSDT, leg.GrossCash),
				cr(UserCash(leg.To), model.CurrencyUSDT, leg.GrossCash),
			)
		}

	case order.Intent == model.IntentMarketPurchase:
		desc = "market purchase of listing " + leg.ListingID
		lines = append(lines,
			dr(UserAsset(leg.To), model.CurrencyAsset, units),
			cr(ListingLocked(leg.ListingID), model.CurrencyAsset, units),
		)
		if leg.GrossCash.IsPositive() {
			lines = append(lines, dr(AccountAssuranceCash, model.CurrencyUSDT, leg.GrossCash))
			if net := leg.GrossCash.Sub(leg.FeeCash); net.IsPositive() {
				lines = append(lines, cr(UserCash(leg.SellerID), model.CurrencyUSDT, net))
			}
			if leg.FeeCash.IsPositive() {
				lines = append(lines, cr(AccountPlatformFees, model.CurrencyUSDT, leg.FeeCash))
			}
		}

	case order.Intent == model.IntentMarketSell && leg.Kind == model.LegEscrow:
		desc = "escrow lock for listing " + leg.ListingID
		lines = append(lines,
			dr(ListingLocked(leg.ListingID), model.CurrencyAsset, units),
			cr(UserAsset(leg.From), model.CurrencyAsset, units),
		)

	case order.Intent == model.IntentPeerTransfer:
		desc = "peer transfer"
		lines = append(lines,
			dr(UserAsset(leg.To), model.CurrencyAsset, units),
			cr(UserAsset(leg.From), model.CurrencyAsset, units),
		)

	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnmappedIntent, order.Intent, leg.Kind)
	}

	return &model.JournalPosting{
		PostingID:   model.IdempotencyKey(order.Request.EventID, leg.MatchID),
		EventID:     order.Request.EventID,
		MatchID:     leg.MatchID,
		Lines:       lines,
		Description: desc + " " + order.Request.EventID,
		PostedAt:    at,
	}, nil
}

// RealizationPosting moves a settled purchase leg's units out of the
// listing lock. Nil for legs that do not touch a listing lock.
func RealizationPosting(order *model.SettlementOrder, leg model.Leg, at time.Time) *model.JournalPosting {
	if order.Intent != model.IntentMarketPurchase || leg.ListingID == "" {
		return nil
	}
	units := decimal.NewFromInt(leg.Amount)
	return &model.JournalPosting{
		PostingID: model.IdempotencyKey(order.Request.EventID, leg.MatchID) + ":realize",
		EventID:   order.Request.EventID,
		MatchID:   leg.MatchID,
		Lines: []model.JournalLine{
			dr(ListingLocked(leg.ListingID), model.CurrencyAsset, units),
			cr(ListingRealized(leg.ListingID), model.CurrencyAsset, units),
		},
		Description: "realize listing " + leg.ListingID + " for " + order.Request.EventID,
		PostedAt:    at,
	}
}

// Deltas nets the postings into per-account, per-currency balance changes.
// Debits count positive.
func Deltas(postings ...*model.JournalPosting) []model.BalanceDelta {
	type key struct{ account, currency string }
	sums := make(map[key]decimal.Decimal)
	for _, p := range postings {
		if p == nil {
			continue
		}
		for _, l := range p.Lines {
			k := key{l.Account, l.Currency}
			if l.Side == model.Debit {
				sums[k] = sums[k].Add(l.Amount)
			} else {
				sums[k] = sums[k].Sub(l.Amount)
			}
		}
	}
	out := make([]model.BalanceDelta, 0, len(sums))
	for k, v := range sums {
		if v.IsZero() {
			continue
		}
		out = append(out, model.BalanceDelta{Account: k.account, Currency: k.currency, Delta: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}
