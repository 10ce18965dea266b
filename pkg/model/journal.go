package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Debit  Side = "Dr"
	Credit Side = "Cr"
)

// JournalLine is a single debit or credit on one account in one currency.
type JournalLine struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Side     Side            `json:"side"`
}

// JournalPosting is one atomic accounting unit. Immutable once posted;
// a reversal is a new posting whose Reverses names the original.
type JournalPosting struct {
	PostingID   string        `json:"posting_id"`
	EventID     string        `json:"event_id"`
	MatchID     string        `json:"match_id"`
	Lines       []JournalLine `json:"lines"`
	Description string        `json:"description"`
	Reverses    string        `json:"reverses,omitempty"`
	PostedAt    time.Time     `json:"posted_at"`
}

// ImbalanceError names the first currency whose debits and credits differ.
type ImbalanceError struct {
	PostingID string
	Currency  string
	Debits    decimal.Decimal
	Credits   decimal.Decimal
}

func (e *ImbalanceError) Error() string {
	return fmt.Sprintf("posting %s unbalanced in %s: Dr %s != Cr %s",
		e.PostingID, e.Currency, e.Debits.String(), e.Credits.String())
}

// Validate enforces per-currency sum(Dr) == sum(Cr) and positive line amounts.
func (p *JournalPosting) Validate() error {
	if p.PostingID == "" {
		return fmt.Errorf("posting_id is required")
	}
	if len(p.Lines) == 0 {
		return fmt.Errorf("posting %s has no lines", p.PostingID)
	}

	debits := make(map[string]decimal.Decimal)
	credits := make(map[string]decimal.Decimal)
	for i, line := range p.Lines {
		if !line.Amount.IsPositive() {
			return fmt.Errorf("posting %s line %d: amount must be positive", p.PostingID, i)
		}
		switch line.Side {
		case Debit:
			debits[line.Currency] = debits[line.Currency].Add(line.Amount)
		case Credit:
			credits[line.Currency] = credits[line.Currency].Add(line.Amount)
		default:
			return fmt.Errorf("posting %s line %d: invalid side %q", p.PostingID, i, line.Side)
		}
	}

	currencies := make([]string, 0, len(debits)+len(credits))
	seen := make(map[string]struct{})
	for c := range debits {
		seen[c] = struct{}{}
		currencies = append(currencies, c)
	}
	for c := range credits {
		if _, ok := seen[c]; !ok {
			currencies = append(currencies, c)
		}
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		if !debits[c].Equal(credits[c]) {
			return &ImbalanceError{PostingID: p.PostingID, Currency: c, Debits: debits[c], Credits: credits[c]}
		}
	}
	return nil
}

// Reversal builds the offsetting posting for p.
func (p *JournalPosting) Reversal(at time.Time) *JournalPosting {
	lines := make([]JournalLine, len(p.Lines))
	for i, line := range p.Lines {
		flipped := line
		if line.Side == Debit {
			flipped.Side = Credit
		} else {
			flipped.Side = Debit
		}
		lines[i] = flipped
	}
	return &JournalPosting{
		PostingID:   p.PostingID + ":reversal",
		EventID:     p.EventID,
		MatchID:     p.MatchID,
		Lines:       lines,
		Description: "reversal of " + p.PostingID,
		Reverses:    p.PostingID,
		PostedAt:    at,
	}
}
