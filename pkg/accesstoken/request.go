// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"fmt"
	"net/url"
	"strings"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/oauth"
)

// requiredParams must all be present in a token request.
var requiredParams = []string{
	oauth.ParamCode,
	oauth.ParamClientAssertion,
	oauth.ParamClientAssertionType,
	oauth.ParamRedirectURI,
	oauth.ParamGrantType,
}

// TokenRequest is a parsed authorization_code token request authenticated
// with a private key JWT client assertion.
type TokenRequest struct {
	Code                string
	ClientAssertion     string
	ClientAssertionType string
	ClientID            string
	RedirectURI         string
	GrantType           string
}

// CreateTokenRequest parses a form-encoded token request body.
func CreateTokenRequest(rawBody string) (*TokenRequest, error) {
	form, err := url.ParseQuery(rawBody)
	if err != nil {
		return nil, crierrors.NewValidationError("token request body is not form encoded", err)
	}

	var missing []string
	for _, p := range requiredParams {
		if strings.TrimSpace(form.Get(p)) == "" {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, crierrors.NewValidationError(
			fmt.Sprintf("missing required token request parameters: %s", strings.Join(missing, ", ")), nil)
	}

	if !containsAuthorizationCodeGrant(form) {
		return nil, crierrors.NewValidationError("token request does not contain an authorization_code grant", nil)
	}

	if form.Get(oauth.ParamClientAssertionType) != oauth.ClientAssertionTypeJWTBearer {
		return nil, crierrors.NewValidationError(
			fmt.Sprintf("unsupported client_assertion_type: %s", form.Get(oauth.ParamClientAssertionType)), nil)
	}

	return &TokenRequest{
		Code:                form.Get(oauth.ParamCode),
		ClientAssertion:     form.Get(oauth.ParamClientAssertion),
		ClientAssertionType: form.Get(oauth.ParamClientAssertionType),
		ClientID:            form.Get(oauth.ParamClientID),
		RedirectURI:         form.Get(oauth.ParamRedirectURI),
		GrantType:           form.Get(oauth.ParamGrantType),
	}, nil
}

func containsAuthorizationCodeGrant(form url.Values) bool {
	for _, values := range form {
		for _, v := range values {
			if v == oauth.GrantTypeAuthorizationCode {
				return true
			}
		}
	}
	return false
}

// ValidationResult is the outcome of a grant check. Error is set when Valid
// is false.
type ValidationResult struct {
	Valid bool
	Error *oauth.ErrorResponse
}

// ValidateAuthorizationGrant accepts only the authorization_code grant.
// Other grants yield an unsupported_grant_type result rather than an error.
func ValidateAuthorizationGrant(grantType string) ValidationResult {
	if grantType == oauth.GrantTypeAuthorizationCode {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{
		Valid: false,
		Error: &oauth.ErrorResponse{
			Error:            oauth.ErrorUnsupportedGrantType,
			ErrorDescription: fmt.Sprintf("grant type %q is not supported", grantType),
		},
	}
}
