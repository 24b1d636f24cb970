package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestMarshalMetadata(t *testing.T) {
	b, err := marshalMetadata(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))

	b, err = marshalMetadata(domain.EnrollmentMetadata{domain.MetaReplied: true, domain.MetaAIReplies: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"replied":true,"ai_replies":2}`, string(b))
}
