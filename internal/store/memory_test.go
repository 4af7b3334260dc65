package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAddUserAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.AddUser(ctx, "alice@example.com", []byte("salt-a"), "digest-a")
	require.NoError(t, err)
	second, err := m.AddUser(ctx, "bob@example.com", []byte("salt-b"), "digest-b")
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestMemoryAddUserRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.AddUser(ctx, "alice@example.com", []byte("s"), "d")
	require.NoError(t, err)

	_, err = m.AddUser(ctx, "alice@example.com", []byte("s2"), "d2")
	assert.ErrorIs(t, err, ErrExists)
}

func TestMemoryEmailIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.AddUser(ctx, "Alice@example.com", []byte("s"), "d")
	require.NoError(t, err)

	_, err = m.UserByEmail(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := m.UserByEmail(ctx, "Alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Alice@example.com", u.Email)
}

func TestMemoryUserByEmailReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.AddUser(ctx, "alice@example.com", []byte("salt"), "digest")
	require.NoError(t, err)

	u, err := m.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	u.Salt[0] = 'X'

	again, err := m.UserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("salt"), again.Salt)
}

func TestMemoryFilesStructRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.AddUser(ctx, "alice@example.com", []byte("s"), "d")
	require.NoError(t, err)

	// Fresh user: no blob, no error.
	blob, err := m.FilesStruct(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, m.SetFilesStruct(ctx, id, []byte(`[{"type":"file","name":"a.py"}]`)))
	blob, err = m.FilesStruct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `[{"type":"file","name":"a.py"}]`, string(blob))

	// Overwrite wins.
	require.NoError(t, m.SetFilesStruct(ctx, id, []byte(`[]`)))
	blob, err = m.FilesStruct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(blob))
}

func TestMemoryAllUsersInIDOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, email := range []string{"c@x", "a@x", "b@x"} {
		_, err := m.AddUser(ctx, email, []byte("s"), "d")
		require.NoError(t, err)
	}

	users, err := m.AllUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, []string{"c@x", "a@x", "b@x"},
		[]string{users[0].Email, users[1].Email, users[2].Email},
		"listing follows registration order, not email order")
}
