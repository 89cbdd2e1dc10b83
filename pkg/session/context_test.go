// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Context
	}{
		{"international_address", ContextInternationalAddress},
		{"CHECK_DETAILS", ContextCheckDetails},
		{" identity_check ", ContextIdentityCheck},
		{"bank_account", ContextBankAccount},
		{"", ContextUnknown},
		{"driving_permit", ContextUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseContext(tt.in))
		})
	}
}

func TestContext_RoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	for _, c := range []Context{ContextUnknown, ContextInternationalAddress, ContextCheckDetails, ContextIdentityCheck, ContextBankAccount} {
		data, err := json.Marshal(c)
		require.NoError(t, err)
		var got Context
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, c, got, c.String())
	}

	var got Context
	require.NoError(t, json.Unmarshal([]byte(`"something_else"`), &got))
	assert.Equal(t, ContextUnknown, got)
	assert.Equal(t, "unknown", Context(99).String())
}
