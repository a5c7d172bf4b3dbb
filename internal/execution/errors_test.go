package execution

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderError_KindAndReason(t *testing.T) {
	err := orderErr(ErrInsufficientFunds, "need %d", 5)
	assert.EqualError(t, err, "need 5")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.NotErrorIs(t, err, ErrValidation)

	wrapped := fmt.Errorf("create: %w", err)
	var oe *OrderError
	assert.True(t, errors.As(wrapped, &oe))
	assert.Equal(t, "need 5", oe.Reason)
}

func TestIsBusinessReject(t *testing.T) {
	assert.True(t, isBusinessReject(orderErr(ErrInsufficientFunds, "x")))
	assert.True(t, isBusinessReject(orderErr(ErrInsufficientShares, "x")))
	assert.False(t, isBusinessReject(orderErr(ErrPriceUnavailable, "x")))
	assert.False(t, isBusinessReject(errors.New("disk")))
}
