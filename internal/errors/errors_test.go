package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("submit: %w", InvalidState("application is not pending"))

	assert.True(t, errors.Is(err, &ServiceError{Code: CodeInvalidState}))
	assert.False(t, errors.Is(err, &ServiceError{Code: CodeUnauthorized}))
	assert.Equal(t, CodeInvalidState, CodeOf(err))
	assert.Equal(t, http.StatusConflict, GetServiceError(err).HTTPStatus)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.False(t, IsCode(nil, CodeInternal))
}

func TestUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"unauthorized", Unauthorized("caller is not the token owner"), CodeUnauthorized},
		{"unknown", UnknownEntity("token", 7), CodeUnknownEntity},
		{"invalid state", InvalidState("duplicate application"), CodeInvalidState},
		{"funds", InsufficientFunds("10", "5"), CodeInsufficientFunds},
		{"timeout", TransactionTimeout("0xabc"), CodeTryAgainLater},
		{"resolution", ResolutionFailed("0xabc", []string{"event_log"}), CodeTryAgainLater},
		{"mirror", MirrorWriteFailed("animal:1", errors.New("conn reset")), CodeTryAgainLater},
		{"plain", errors.New("boom"), CodeTryAgainLater},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserFacing(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Code)
		})
	}

	assert.Nil(t, UserFacing(nil))
}

func TestUserFacingDoesNotLeakCause(t *testing.T) {
	got := UserFacing(Wrap(CodeInvalidState, "bad", errors.New("internal detail")))
	assert.Nil(t, got.Err)
}

func TestFromRevert(t *testing.T) {
	err := FromRevert("0x01", "Unauthorized: caller is not a minter")
	assert.Equal(t, CodeUnauthorized, err.Code)
	assert.Equal(t, "caller is not a minter", err.Message)
	assert.Equal(t, "0x01", err.Details["tx_hash"])

	err = FromRevert("0x02", "InsufficientFunds: amount exceeds balance")
	assert.Equal(t, CodeInsufficientFunds, err.Code)

	err = FromRevert("0x03", "out of gas")
	assert.Equal(t, CodeTransactionRejected, err.Code)
	assert.EqualError(t, errors.Unwrap(err), "out of gas")
}
