// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"

	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/session"
)

type fakeParser struct {
	req      session.Request
	err      error
	gotBody  []byte
	gotIP    string
	numCalls int
}

func (f *fakeParser) Parse(_ context.Context, body []byte, ip string) (session.Request, error) {
	f.numCalls++
	f.gotBody = body
	f.gotIP = ip
	return f.req, f.err
}

type fakeSessions struct {
	createID   string
	createErr  error
	session    *session.Session
	validErr   error
	code       string
	codeErr    error
	codeCalls  int
	gotRequest session.Request
}

func (f *fakeSessions) CreateSession(_ context.Context, req session.Request) (string, error) {
	f.gotRequest = req
	return f.createID, f.createErr
}

func (f *fakeSessions) ValidateSessionID(_ context.Context, _ string) (*session.Session, error) {
	if f.validErr != nil {
		return nil, f.validErr
	}
	return f.session, nil
}

func (f *fakeSessions) CreateAuthorizationCode(_ context.Context, _ *session.Session) (string, error) {
	f.codeCalls++
	return f.code, f.codeErr
}

type fakeExchanger struct {
	resp     *oauth.TokenResponse
	err      error
	gotBody  string
	session  *session.Session
	authErr  error
	gotToken string
}

func (f *fakeExchanger) Exchange(_ context.Context, body string) (*oauth.TokenResponse, error) {
	f.gotBody = body
	return f.resp, f.err
}

func (f *fakeExchanger) Authenticate(_ context.Context, token string) (*session.Session, error) {
	f.gotToken = token
	return f.session, f.authErr
}

type fakeRevoker struct {
	err      error
	gotToken string
}

func (f *fakeRevoker) RevokeAccessToken(_ context.Context, token string) error {
	f.gotToken = token
	return f.err
}

type fakeIssuer struct {
	credential string
	err        error
}

func (f *fakeIssuer) Issue(_ context.Context, _ *session.Session) (string, error) {
	return f.credential, f.err
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Ping(context.Context) error {
	return f.err
}
