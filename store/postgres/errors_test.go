package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/booking-engine/engine"
)

// unsentError stands in for a pgconn failure raised before anything
// reached the server.
type unsentError struct{}

func (unsentError) Error() string     { return "write failed before send" }
func (unsentError) SafeToRetry() bool { return true }

func TestMapError(t *testing.T) {
	// GIVEN: Errors as the pgx pool and driver report them
	// WHEN: They are mapped for the engine
	// THEN: Serialization, lock, shutdown and connection failures are transient;
	//       everything else passes through unchanged

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"wrapped serialization failure", fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"safe to retry", fmt.Errorf("begin transaction: %w", unsentError{}), true},
		{"plain error", errors.New("boom"), false},
		{"cancelled", fmt.Errorf("begin transaction: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			require.Error(t, got)
			assert.Equal(t, tt.transient, errors.Is(got, engine.ErrTransient))
			if !tt.transient {
				assert.Equal(t, tt.err, got)
			}
		})
	}

	assert.NoError(t, mapError(nil))
}

func TestMapError_TransientIsRetryable(t *testing.T) {
	err := mapError(&pgconn.PgError{Code: "40P01"})
	assert.True(t, engine.IsRetryable(err))
}
