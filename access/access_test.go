package access_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pouyad/tgdup/access"
)

func TestRoleOrdering(t *testing.T) {
	t.Parallel()

	assert.True(t, access.RoleSuperAdmin.AtLeast(access.RoleAdmin))
	assert.True(t, access.RoleSuperAdmin.AtLeast(access.RoleUser))
	assert.True(t, access.RoleAdmin.AtLeast(access.RoleUser))
	assert.True(t, access.RoleUser.AtLeast(access.RoleUser))
	assert.False(t, access.RoleUser.AtLeast(access.RoleAdmin))
	assert.False(t, access.RoleAdmin.AtLeast(access.RoleSuperAdmin))
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"user", "admin", "super_admin"} {
		role, err := access.ParseRole(valid)
		require.NoError(t, err)
		assert.Equal(t, access.Role(valid), role)
	}

	for _, invalid := range []string{"", "root", "Admin", "superadmin"} {
		_, err := access.ParseRole(invalid)
		var invalidErr *access.InvalidRoleError
		assert.ErrorAs(t, err, &invalidErr, "expected %q to be rejected", invalid)
	}
}

func TestStoreDefaults(t *testing.T) {
	t.Parallel()

	store, err := access.Open(filepath.Join(t.TempDir(), "users.json"), []int64{1000})
	require.NoError(t, err)

	assert.Equal(t, access.RoleSuperAdmin, store.RoleOf(1000))
	assert.Equal(t, access.RoleUser, store.RoleOf(42), "unknown IDs default to user")
	assert.True(t, store.Allowed(42, access.RoleUser))
	assert.False(t, store.Allowed(42, access.RoleAdmin))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	filePath := filepath.Join(t.TempDir(), "users.json")

	store, err := access.Open(filePath, []int64{1000})
	require.NoError(t, err)
	require.NoError(t, store.SetRole(42, access.RoleAdmin))
	require.NoError(t, store.SetRole(43, access.RoleUser))

	reopened, err := access.Open(filePath, []int64{1000})
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, reopened.RoleOf(42))
	assert.Equal(t, access.RoleUser, reopened.RoleOf(43))
	assert.Equal(t, access.RoleSuperAdmin, reopened.RoleOf(1000))
}

func TestStoreSeedSuperAdminsImmutable(t *testing.T) {
	t.Parallel()

	store, err := access.Open(filepath.Join(t.TempDir(), "users.json"), []int64{1000})
	require.NoError(t, err)

	assert.ErrorIs(t, store.SetRole(1000, access.RoleUser), access.ErrImmutableSuperAdmin)

	_, err = store.Remove(1000)
	assert.ErrorIs(t, err, access.ErrImmutableSuperAdmin)

	assert.Equal(t, access.RoleSuperAdmin, store.RoleOf(1000))
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	store, err := access.Open(filepath.Join(t.TempDir(), "users.json"), []int64{1000})
	require.NoError(t, err)
	require.NoError(t, store.SetRole(42, access.RoleAdmin))

	removed, err := store.Remove(42)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, access.RoleUser, store.RoleOf(42))

	removed, err = store.Remove(42)
	require.NoError(t, err)
	assert.False(t, removed, "removing an absent assignment reports false")
}

func TestStoreList(t *testing.T) {
	t.Parallel()

	store, err := access.Open(filepath.Join(t.TempDir(), "users.json"), []int64{1000})
	require.NoError(t, err)
	require.NoError(t, store.SetRole(42, access.RoleAdmin))
	require.NoError(t, store.SetRole(7, access.RoleUser))

	users := store.List()
	require.Len(t, users, 3)
	assert.Equal(t, access.User{ID: 7, Role: access.RoleUser}, users[0])
	assert.Equal(t, access.User{ID: 42, Role: access.RoleAdmin}, users[1])
	assert.Equal(t, access.User{ID: 1000, Role: access.RoleSuperAdmin}, users[2])
}
