// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/stacklok/credissuer/pkg/authcode"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/session"
)

// OAuthError is a token or resource endpoint failure carrying its OAuth2
// error code.
type OAuthError struct {
	Code string
	Err  error
}

func (e *OAuthError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *OAuthError) Unwrap() error {
	return e.Err
}

// Response returns the OAuth2 error body.
func (e *OAuthError) Response() oauth.ErrorResponse {
	resp := oauth.ErrorResponse{Error: e.Code}
	var typed *crierrors.Error
	switch {
	case errors.As(e.Err, &typed):
		resp.ErrorDescription = typed.Message
	case e.Err != nil && e.Code != oauth.ErrorServerError:
		resp.ErrorDescription = e.Err.Error()
	}
	return resp
}

func newOAuthError(code string, err error) *OAuthError {
	return &OAuthError{Code: code, Err: err}
}

// grantError classifies a failure after the request was parsed: definitive
// rejections are invalid_grant, everything else is a server error.
func grantError(err error) *OAuthError {
	switch crierrors.TypeOf(err) {
	case crierrors.ErrValidation,
		crierrors.ErrSessionNotFound,
		crierrors.ErrSessionExpired,
		crierrors.ErrAuthorizationCodeExpired,
		crierrors.ErrNotFound:
		return newOAuthError(oauth.ErrorInvalidGrant, err)
	default:
		return newOAuthError(oauth.ErrorServerError, err)
	}
}

// Exchanger runs the authorization code exchange and bearer token
// authentication across the session, code and token services.
type Exchanger struct {
	sessions *session.Manager
	codes    *authcode.Service
	tokens   *Service
	logger   *slog.Logger
}

// NewExchanger wires the services together.
func NewExchanger(sessions *session.Manager, codes *authcode.Service, tokens *Service, l *slog.Logger) (*Exchanger, error) {
	if sessions == nil || codes == nil || tokens == nil {
		return nil, errors.New("session, authorization code and access token services are required")
	}
	return &Exchanger{
		sessions: sessions,
		codes:    codes,
		tokens:   tokens,
		logger:   logger.OrDefault(l).With("component", "exchange"),
	}, nil
}

// Exchange redeems the authorization code in a form-encoded token request
// for a bearer token. Failures are *OAuthError.
//
// The code is marked exchanged with a conditional write before the token is
// stored, so two concurrent exchanges of one code cannot both succeed. A
// store failure after that point leaves the code spent and is logged at
// error level; the client has to start a new session.
func (x *Exchanger) Exchange(ctx context.Context, rawBody string) (*oauth.TokenResponse, error) {
	form, err := url.ParseQuery(rawBody)
	if err != nil {
		return nil, newOAuthError(oauth.ErrorInvalidRequest,
			crierrors.NewValidationError("token request body is not form encoded", err))
	}
	if grant := form.Get(oauth.ParamGrantType); grant != "" {
		if result := ValidateAuthorizationGrant(grant); !result.Valid {
			return nil, newOAuthError(result.Error.Error,
				crierrors.NewValidationError(result.Error.ErrorDescription, nil))
		}
	}

	req, err := CreateTokenRequest(rawBody)
	if err != nil {
		return nil, newOAuthError(oauth.ErrorInvalidRequest, err)
	}

	sess, err := x.sessions.GetSessionByAuthorizationCode(ctx, req.Code)
	if err != nil {
		return nil, grantError(err)
	}
	if sess, err = x.sessions.ValidateSessionID(ctx, sess.SessionID); err != nil {
		return nil, grantError(err)
	}

	code, err := x.codes.Get(ctx, req.Code)
	if err != nil {
		return nil, grantError(err)
	}
	if x.codes.IsExpired(code) {
		return nil, grantError(crierrors.NewAuthorizationCodeExpiredError("authorization code has expired", nil))
	}

	if err := x.tokens.ValidateTokenRequest(ctx, req, sess); err != nil {
		return nil, grantError(err)
	}

	token, err := x.tokens.CreateToken()
	if err != nil {
		return nil, newOAuthError(oauth.ErrorServerError, err)
	}
	if err := x.codes.MarkExchanged(ctx, req.Code, oauth.HashToken(token.AccessToken)); err != nil {
		return nil, grantError(err)
	}
	if err := x.tokens.PersistAccessToken(ctx, token, sess.Subject, sess.SessionID); err != nil {
		x.logSpentCode(sess, err)
		return nil, newOAuthError(oauth.ErrorServerError, err)
	}
	if err := x.sessions.UpdateSessionAccessToken(ctx, sess, token); err != nil {
		x.logSpentCode(sess, err)
		return nil, newOAuthError(oauth.ErrorServerError, err)
	}

	x.logger.Info("exchanged authorization code for access token",
		"session_id", sess.SessionID, "client_id", sess.ClientID)
	return &token, nil
}

func (x *Exchanger) logSpentCode(sess *session.Session, err error) {
	x.logger.Error("authorization code spent without issuing a usable token",
		"session_id", sess.SessionID, "client_id", sess.ClientID, "error", err)
}

// Authenticate resolves the live session a bearer token grants access to.
// Any token that cannot be used yields an *OAuthError with invalid_token.
func (x *Exchanger) Authenticate(ctx context.Context, token string) (*session.Session, error) {
	if token == "" {
		return nil, newOAuthError(oauth.ErrorInvalidToken, crierrors.NewValidationError("access token is missing", nil))
	}

	item, err := x.tokens.GetAccessTokenItem(ctx, token)
	switch {
	case err != nil:
		return nil, newOAuthError(oauth.ErrorServerError, err)
	case item == nil:
		return nil, newOAuthError(oauth.ErrorInvalidToken, crierrors.NewNotFoundError("access token not found", nil))
	case item.Revoked():
		return nil, newOAuthError(oauth.ErrorInvalidToken, crierrors.NewValidationError("access token has been revoked", nil))
	case x.tokens.IsExpired(item):
		return nil, newOAuthError(oauth.ErrorInvalidToken, crierrors.NewAccessTokenExpiredError("access token has expired", nil))
	}

	sess, err := x.sessions.GetSessionByAccessToken(ctx, token)
	if err != nil {
		return nil, tokenError(err)
	}
	if sess, err = x.sessions.ValidateSessionID(ctx, sess.SessionID); err != nil {
		return nil, tokenError(err)
	}
	return sess, nil
}

func tokenError(err error) *OAuthError {
	if e := grantError(err); e.Code == oauth.ErrorServerError {
		return e
	}
	return newOAuthError(oauth.ErrorInvalidToken, err)
}
