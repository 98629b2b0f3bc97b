package bootstrap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/bootstrap"
	"github.com/homecast/homecast/internal/relay/db"
	"github.com/homecast/homecast/internal/relay/store"
)

func TestRun_SeedsAdminOnce(t *testing.T) {
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(d))

	st := store.New(d)
	ctx := context.Background()

	require.NoError(t, bootstrap.Run(ctx, st))

	u, err := st.GetUserByEmail(ctx, "admin@localhost")
	require.NoError(t, err)
	assert.Equal(t, "Admin", u.Name)

	// A second run must not create another account.
	require.NoError(t, bootstrap.Run(ctx, st))
	n, err := st.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRun_SkipsWhenUsersExist(t *testing.T) {
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(d))

	st := store.New(d)
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, store.CreateUserParams{
		ID:           "existing-user",
		Email:        "alice@example.com",
		PasswordHash: "hash",
		Name:         "Alice",
	}))

	require.NoError(t, bootstrap.Run(ctx, st))

	_, err = st.GetUserByEmail(ctx, "admin@localhost")
	assert.Error(t, err)
}
