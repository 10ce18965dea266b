// Package identity resolves logical accounts to custodial vaults.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/httpclient"
	"github.com/Checker-Finance/settlement/internal/rate"
	"github.com/Checker-Finance/settlement/internal/resilience"
	"github.com/Checker-Finance/settlement/internal/secrets"
	"github.com/Checker-Finance/settlement/pkg/model"
)

const backendName = "identity"

// ErrUnknownAccount is returned when the identity service has no vault for an account.
var ErrUnknownAccount = errors.New("unknown account")

type unknownAccount struct{ accountID string }

func (e *unknownAccount) Error() string   { return ErrUnknownAccount.Error() + ": " + e.accountID }
func (e *unknownAccount) Unwrap() error   { return ErrUnknownAccount }
func (e *unknownAccount) Temporary() bool { return false }

// Resolver is the read side the pipeline needs.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (model.Vault, error)
}

// Client calls GET {base}/v1/accounts/{id}/vault.
type Client struct {
	logger  *zap.Logger
	baseURL string
	creds   secrets.CredentialSource
	exec    *httpclient.Executor
}

func NewClient(logger *zap.Logger, rateMgr *rate.Manager, policy *resilience.Policy, baseURL string, timeout time.Duration, creds secrets.CredentialSource) *Client {
	c := &Client{logger: logger, baseURL: strings.TrimRight(baseURL, "/"), creds: creds}
	c.exec = httpclient.New(logger, rateMgr, &http.Client{Timeout: timeout}, policy, backendName, nil)
	return c
}

func (c *Client) Resolve(ctx context.Context, accountID string) (model.Vault, error) {
	base := c.baseURL
	headers := map[string]string{}
	if c.creds != nil {
		creds, err := c.creds.Resolve(ctx, backendName)
		if err != nil {
			return model.Vault{}, err
		}
		headers["x-api-key"] = creds.APIKey
		if creds.BaseURL != "" {
			base = strings.TrimRight(creds.BaseURL, "/")
		}
	}

	var v model.Vault
	err := c.exec.DoJSON(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/v1/accounts/%s/vault", base, url.PathEscape(accountID)),
		Headers: headers,
	}, &v)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return model.Vault{}, &unknownAccount{accountID: accountID}
		}
		return model.Vault{}, err
	}
	if v.AccountID == "" {
		v.AccountID = accountID
	}
	return v, nil
}

// RequireActive resolves every non-system party and fails with
// account_inactive on the first that is unknown or not active.
func RequireActive(ctx context.Context, r Resolver, logger *zap.Logger, parties ...string) error {
	for _, acct := range parties {
		if model.IsSystemAccount(acct) {
			continue
		}
		v, err := r.Resolve(ctx, acct)
		switch {
		case errors.Is(err, ErrUnknownAccount):
			return model.Permanent(model.StageReceived, model.ReasonAccountInactive, err)
		case err != nil:
			logger.Warn("identity.resolve_failed", zap.String("account", acct), zap.Error(err))
			if model.IsRetryable(err) {
				return model.Transient(model.StageReceived, model.ReasonIdentityUnavailable, err)
			}
			return model.Permanent(model.StageReceived, model.ReasonIdentityUnavailable, err)
		case !v.Active():
			return model.Permanent(model.StageReceived, model.ReasonAccountInactive,
				fmt.Errorf("account %s is %s", acct, v.Status))
		}
	}
	return nil
}
