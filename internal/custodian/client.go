// Package custodian talks to the asset custody service that moves
// receipt-backed holdings between vaults.
package custodian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/httpclient"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/secrets"
	"github.com/Checker-Finance/settlement/pkg/model"
)

const backendName = "custodian"

// Error is a permanent refusal from the custodian.
type Error struct {
	Status  int
	Reason  model.Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("custodian refused (%d %s): %s", e.Status, e.Reason, e.Message)
}

func (e *Error) Temporary() bool { return false }

// ReasonOf extracts the custodian refusal reason from err, if any.
func ReasonOf(err error) (model.Reason, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// refusal maps a 4xx response to a permanent custodian error.
func refusal(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	reason := model.ReasonCustodianUnavailable
	switch eb.Code {
	case "vault_not_found", "vault_unavailable":
		reason = model.ReasonVaultUnavailable
	case "policy_denied":
		reason = model.ReasonPolicyDenied
	case "insufficient_balance":
		reason = model.ReasonInsufficientBalance
	case "consent_timeout":
		reason = model.ReasonConsentTimeout
	case "consent_rejected", "consent_denied":
		reason = model.ReasonConsentRejected
	default:
		switch status {
		case http.StatusNotFound:
			reason = model.ReasonVaultUnavailable
		case http.StatusForbidden:
			reason = model.ReasonPolicyDenied
		case http.StatusRequestTimeout:
			reason = model.ReasonConsentTimeout
		}
	}
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &Error{Status: status, Reason: reason, Message: msg}
}

// IssueRequest mints treasury-backed units into a vault.
type IssueRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
}

// ChangeOwnerRequest moves units between vaults.
type ChangeOwnerRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
}

// Movement is the custodian's acknowledgement of an Issue or ChangeOwner.
type Movement struct {
	AssetReceiptID string    `json:"asset_receipt_id"`
	Status         string    `json:"status"`
	CompletedAt    time.Time `json:"completed_at"`
}

// API is the custodian surface used by the transfer executor and reconciler.
type API interface {
	Issue(ctx context.Context, req IssueRequest) (*Movement, error)
	ChangeOwner(ctx context.Context, req ChangeOwnerRequest) (*Movement, error)
	RevealOwnership(ctx context.Context, accountID string) (*model.Ownership, error)
}

// Client is the HTTP custodian adapter. It makes single attempts; callers
// own the retry policy.
type Client struct {
	logger  *zap.Logger
	baseURL string
	creds   secrets.CredentialSource
	exec    *httpclient.Executor
}

func NewClient(logger *zap.Logger, rateMgr *rate.Manager, baseURL string, timeout time.Duration, creds secrets.CredentialSource) *Client {
	return &Client{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		exec:    httpclient.New(logger, rateMgr, &http.Client{Timeout: timeout}, nil, backendName, refusal),
	}
}

func (c *Client) endpoint(ctx context.Context) (string, map[string]string, error) {
	if c.creds == nil {
		return c.baseURL, nil, nil
	}
	creds, err := c.creds.Resolve(ctx, backendName)
	if err != nil {
		return "", nil, err
	}
	base := c.baseURL
	if creds.BaseURL != "" {
		base = strings.TrimRight(creds.BaseURL, "/")
	}
	return base, map[string]string{"x-api-key": creds.APIKey}, nil
}

// Issue calls POST {base}/v1/assets/issue.
func (c *Client) Issue(ctx context.Context, req IssueRequest) (*Movement, error) {
	return c.move(ctx, "/v1/assets/issue", req.IdempotencyKey, req)
}

// ChangeOwner calls POST {base}/v1/assets/change-owner.
func (c *Client) ChangeOwner(ctx context.Context, req ChangeOwnerRequest) (*Movement, error) {
	return c.move(ctx, "/v1/assets/change-owner", req.IdempotencyKey, req)
}

func (c *Client) move(ctx context.Context, path, key string, body any) (*Movement, error) {
	base, headers, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Idempotency-Key"] = key

	var m Movement
	if err := c.exec.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     base + path,
		Body:    body,
		Headers: headers,
	}, &m); err != nil {
		return nil, err
	}
	if m.AssetReceiptID == "" {
		return nil, &httpclient.DecodeError{Backend: backendName, Err: errors.New("response missing asset_receipt_id")}
	}
	return &m, nil
}

// RevealOwnership calls GET {base}/v1/accounts/{id}/holdings.
func (c *Client) RevealOwnership(ctx context.Context, accountID string) (*model.Ownership, error) {
	base, headers, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	var o model.Ownership
	if err := c.exec.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/v1/accounts/%s/holdings", base, url.PathEscape(accountID)),
		Headers: headers,
	}, &o); err != nil {
		return nil, err
	}
	if o.AccountID == "" {
		o.AccountID = accountID
	}
	return &o, nil
}
