package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/httpclient"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/internal/secrets"
	"github.com/Checker-Finance/settlement/pkg/model"
)

const backendName = "ledger"

// ErrRejected is the accounting system refusing a posting as unbalanced.
var ErrRejected = errors.New("posting rejected by accounting system")

// alreadyPosted marks a 409 on a repeated idempotency key.
type alreadyPosted struct{}

func (alreadyPosted) Error() string   { return "already posted" }
func (alreadyPosted) Temporary() bool { return false }

type rejection struct {
	status int
	msg    string
}

func (e *rejection) Error() string   { return fmt.Sprintf("ledger returned %d: %s", e.status, e.msg) }
func (e *rejection) Temporary() bool { return false }
func (e *rejection) Unwrap() error {
	if e.status == http.StatusUnprocessableEntity {
		return ErrRejected
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client submits postings to the external double-entry system.
// POST {base}/v1/postings with an Idempotency-Key header.
type Client struct {
	logger  *zap.Logger
	baseURL string
	creds   secrets.CredentialSource
	exec    *httpclient.Executor
}

func NewClient(logger *zap.Logger, rateMgr *rate.Manager, policy *resilience.Policy, baseURL string, timeout time.Duration, creds secrets.CredentialSource) *Client {
	exec := httpclient.New(logger, rateMgr, &http.Client{Timeout: timeout}, policy, backendName, func(status int, body []byte) error {
		if status == http.StatusConflict {
			return alreadyPosted{}
		}
		var resp errorResponse
		_ = json.Unmarshal(body, &resp)
		msg := resp.Message
		if msg == "" {
			msg = resp.Error
		}
		if msg == "" {
			msg = string(body)
		}
		logger.Warn("ledger.client_error", zap.Int("status", status), zap.String("message", msg))
		return &rejection{status: status, msg: msg}
	})
	return &Client{logger: logger, baseURL: strings.TrimRight(baseURL, "/"), creds: creds, exec: exec}
}

// Submit posts p under key. A repeated key is reported as success.
func (c *Client) Submit(ctx context.Context, key string, p *model.JournalPosting) error {
	headers := map[string]string{"Idempotency-Key": key}
	base := c.baseURL
	if c.creds != nil {
		creds, err := c.creds.Resolve(ctx, backendName)
		if err != nil {
			return err
		}
		headers["x-api-key"] = creds.APIKey
		if creds.BaseURL != "" {
			base = strings.TrimRight(creds.BaseURL, "/")
		}
	}

	err := c.exec.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodPost,
		URL:     base + "/v1/postings",
		Body:    p,
		Headers: headers,
	}, nil)
	if errors.As(err, new(alreadyPosted)) {
		c.logger.Info("ledger.already_posted", zap.String("posting_id", p.PostingID))
		return nil
	}
	return err
}
