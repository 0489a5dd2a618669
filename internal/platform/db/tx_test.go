package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costing/internal/shared"
)

func TestClassify(t *testing.T) {
	require.NoError(t, Classify(nil))
	require.ErrorIs(t, Classify(pgx.ErrNoRows), shared.ErrNotFound)

	for _, code := range []string{"40001", "40P01", "55P03", "23505"} {
		err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, Message: "boom"})
		require.ErrorIs(t, Classify(err), shared.ErrConflict, code)
	}

	other := errors.New("network down")
	require.Equal(t, other, Classify(other))
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(other))
}
