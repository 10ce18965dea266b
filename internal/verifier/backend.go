package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/httpclient"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/secrets"
)

// ErrProofNotFound means the backend answered but has no record of the proof.
var ErrProofNotFound = errors.New("proof not found")

// Observation is what a backend reports about one payment.
type Observation struct {
	Final         bool
	Currency      string
	Amount        decimal.Decimal
	Confirmations int
	Network       string
	PaidAt        time.Time
}

// Backend looks up a payment by proof on one verification source.
type Backend interface {
	Name() string
	Lookup(ctx context.Context, proof, chain string) (*Observation, error)
}

// ─── blockchain indexer ─────────────────────────────────────────────────────

type indexerTx struct {
	Hash          string          `json:"hash"`
	Status        string          `json:"status"` // pending | confirmed | failed
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Network       string          `json:"network"`
	BlockTime     time.Time       `json:"block_time"`
}

// Indexer queries a blockchain indexer by transaction hash.
// GET {base}/v1/chains/{chain}/transactions/{hash}
type Indexer struct {
	name    string
	baseURL string
	creds   secrets.CredentialSource
	exec    *httpclient.Executor
}

func NewIndexer(logger *zap.Logger, rateMgr *rate.Manager, name, baseURL string, timeout time.Duration, creds secrets.CredentialSource) *Indexer {
	return &Indexer{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		exec:    httpclient.New(logger, rateMgr, &http.Client{Timeout: timeout}, nil, name, notFoundHandler(name)),
	}
}

func (b *Indexer) Name() string { return b.name }

func (b *Indexer) Lookup(ctx context.Context, proof, chain string) (*Observation, error) {
	base, headers, err := authenticate(ctx, b.creds, b.name, b.baseURL)
	if err != nil {
		return nil, err
	}
	var tx indexerTx
	err = b.exec.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/v1/chains/%s/transactions/%s", base, url.PathEscape(chain), url.PathEscape(proof)),
		Headers: headers,
	}, &tx)
	if err != nil {
		return nil, err
	}
	network := tx.Network
	if network == "" {
		network = chain
	}
	return &Observation{
		Final:         strings.EqualFold(tx.Status, "confirmed"),
		Currency:      tx.Token,
		Amount:        tx.Amount,
		Confirmations: tx.Confirmations,
		Network:       network,
		PaidAt:        tx.BlockTime,
	}, nil
}

// ─── payment processor ──────────────────────────────────────────────────────

type processorPayment struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"` // pending | settled | failed | refunded
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Network       string          `json:"network"`
	SettledAt     time.Time       `json:"settled_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Processor queries a payment processor by payment reference or tx hash.
// GET {base}/v1/payments/{ref}?chain={chain}
type Processor struct {
	name    string
	baseURL string
	creds   secrets.CredentialSource
	exec    *httpclient.Executor
}

func NewProcessor(logger *zap.Logger, rateMgr *rate.Manager, name, baseURL string, timeout time.Duration, creds secrets.CredentialSource) *Processor {
	return &Processor{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		exec:    httpclient.New(logger, rateMgr, &http.Client{Timeout: timeout}, nil, name, notFoundHandler(name)),
	}
}

func (b *Processor) Name() string { return b.name }

func (b *Processor) Lookup(ctx context.Context, proof, chain string) (*Observation, error) {
	base, headers, err := authenticate(ctx, b.creds, b.name, b.baseURL)
	if err != nil {
		return nil, err
	}
	var p processorPayment
	err = b.exec.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/v1/payments/%s?chain=%s", base, url.PathEscape(proof), url.QueryEscape(chain)),
		Headers: headers,
	}, &p)
	if err != nil {
		return nil, err
	}
	paidAt := p.SettledAt
	if paidAt.IsZero() {
		paidAt = p.CreatedAt
	}
	network := p.Network
	if network == "" {
		network = chain
	}
	return &Observation{
		Final:         strings.EqualFold(p.Status, "settled"),
		Currency:      p.Currency,
		Amount:        p.Amount,
		Confirmations: p.Confirmations,
		Network:       network,
		PaidAt:        paidAt,
	}, nil
}

// ─── shared ─────────────────────────────────────────────────────────────────

func authenticate(ctx context.Context, creds secrets.CredentialSource, backend, baseURL string) (string, map[string]string, error) {
	if creds == nil {
		return baseURL, nil, nil
	}
	c, err := creds.Resolve(ctx, backend)
	if err != nil {
		return "", nil, err
	}
	if c.BaseURL != "" {
		baseURL = strings.TrimRight(c.BaseURL, "/")
	}
	return baseURL, map[string]string{"x-api-key": c.APIKey}, nil
}

type notFound struct{ backend string }

func (e *notFound) Error() string   { return e.backend + ": " + ErrProofNotFound.Error() }
func (e *notFound) Unwrap() error   { return ErrProofNotFound }
func (e *notFound) Temporary() bool { return false }

func notFoundHandler(backend string) httpclient.ErrorHandler {
	return func(status int, body []byte) error {
		if status == http.StatusNotFound {
			return &notFound{backend: backend}
		}
		return &httpclient.StatusError{Backend: backend, Status: status, Body: body}
	}
}
