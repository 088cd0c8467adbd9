package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsUniqueValidUUID(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	parsed, err := goUUID.Parse(first)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestNewIDsSortByCreationTime(t *testing.T) {
	t.Parallel()

	// UUIDv7 front-loads a timestamp, so IDs generated in sequence sort
	// lexicographically. Pickup order relies on created_at, not on this,
	// but it keeps store listings readable.
	gen := New()
	prev, err := gen.NewID()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := gen.NewID()
		require.NoError(t, err)
		require.LessOrEqual(t, prev, next)
		prev = next
	}
}
