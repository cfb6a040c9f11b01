package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	owner := uuid.New()

	info, err := s.Upload(ctx, owner, "../evil/statement.csv", "text/csv", strings.NewReader("a,b,c\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size)
	assert.Equal(t, "../evil/statement.csv", info.Name, "original name survives in metadata only")
	assert.Equal(t, info.ID.String(), info.Path, "on disk the file is named by id")

	r, err := s.GetReader(ctx, owner, info.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "a,b,c\n", string(data))

	got, err := s.GetInfo(ctx, owner, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, "text/csv", got.ContentType)

	// Another owner cannot see the file.
	_, err = s.GetReader(ctx, uuid.New(), info.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, s.Delete(ctx, owner, info.ID))
	_, err = s.GetReader(ctx, owner, info.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)

	// Deleting twice is fine.
	require.NoError(t, s.Delete(ctx, owner, info.ID))
}
