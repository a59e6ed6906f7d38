package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCriticalError_IsDistinctFromNotFound(t *testing.T) {
	err := fmt.Errorf("save sessions.json: %w", &CriticalError{
		Op:  "backup verification",
		Key: "sessions",
		Err: errors.New("checksum mismatch"),
	})

	assert.True(t, IsCritical(err))
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "CRITICAL")
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, IsValidation(ErrTransactionClosed))
	assert.True(t, errors.Is(ErrInsufficientSpace, ErrCapacity))
	assert.True(t, IsTransient(fmt.Errorf("%w: disk gone", ErrTransient)))
	assert.False(t, IsCritical(ErrNotFound))
}
