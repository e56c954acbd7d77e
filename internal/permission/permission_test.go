package permission

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasClaimPermission(t *testing.T) {
	owner := uuid.New()
	member := uuid.New()
	stranger := uuid.New()

	r := &Roster{}
	require.NoError(t, r.AddMember(member, "", time.Now()))

	t.Run("Owner And Admin Always Pass", func(t *testing.T) {
		assert.True(t, HasClaimPermission(owner, r, owner, Build, false))
		assert.True(t, HasClaimPermission(owner, r, stranger, Build, true))
		assert.True(t, HasManagementPermission(owner, r, owner, ManageGroups, false))
		assert.True(t, HasManagementPermission(owner, r, stranger, ManageGroups, true))
	})

	t.Run("No Group Only Enter", func(t *testing.T) {
		assert.True(t, HasClaimPermission(owner, r, stranger, Enter, false))
		assert.False(t, HasClaimPermission(owner, r, stranger, Build, false))
		assert.False(t, HasManagementPermission(owner, r, stranger, ManageMembers, false))
		assert.True(t, HasClaimPermission(owner, nil, stranger, Enter, false))
	})

	t.Run("Legacy Group", func(t *testing.T) {
		assert.True(t, HasClaimPermission(owner, r, member, Doors, false))
		assert.False(t, HasClaimPermission(owner, r, member, Build, false))
		assert.False(t, HasManagementPermission(owner, r, member, ManageChunks, false),
			"legacy-группы не дают прав управления")
	})

	t.Run("Custom Group After Migration", func(t *testing.T) {
		cr := r.Clone()
		require.NoError(t, cr.MigrateToCustom())
		require.NoError(t, cr.SetMemberGroup(member, "manager"))
		assert.True(t, HasManagementPermission(owner, cr, member, ManageChunks, false))
		assert.False(t, HasManagementPermission(owner, cr, member, ManageBank, false))
		assert.False(t, HasManagementPermission(owner, r, member, ManageChunks, false),
			"клон не должен влиять на исходный roster")
	})
}

func TestPermissionNames(t *testing.T) {
	set := Enter | Build
	assert.Equal(t, []string{"enter", "build"}, set.Names())
	p, ok := ParseClaimPermission("redstone")
	require.True(t, ok)
	assert.Equal(t, Redstone, p)
	m, ok := ParseManagementPermission("manage_bank")
	require.True(t, ok)
	assert.Equal(t, ManageBank, m)
	_, ok = ParseManagementPermission("fly")
	assert.False(t, ok)
	assert.False(t, ClaimPermission(0).Has(0), "пустое право не считается выданным")
}

func TestCustomGroups(t *testing.T) {
	alice := uuid.New()
	bob := uuid.New()

	newRoster := func(t *testing.T) *Roster {
		r := &Roster{}
		require.NoError(t, r.AddMember(alice, "trusted", time.Now()))
		require.NoError(t, r.AddMember(bob, "", time.Now()))
		require.NoError(t, r.MigrateToCustom())
		return r
	}

	t.Run("Migration Keeps Member Groups", func(t *testing.T) {
		r := newRoster(t)
		assert.True(t, r.IsCustom())
		assert.Equal(t, "trusted", r.GroupOf(alice).GroupName())
		assert.Equal(t, "member", r.GroupOf(bob).GroupName())
		assert.ErrorIs(t, r.MigrateToCustom(), ErrAlreadyCustom)
	})

	t.Run("Deleting Group Moves Members To Fallback", func(t *testing.T) {
		r := newRoster(t)
		_, err := r.CreateGroup(CustomGroup{Name: "builders", Priority: 15, ClaimPerms: Enter | Build})
		require.NoError(t, err)
		require.NoError(t, r.SetMemberGroup(bob, "builders"))

		moved, err := r.DeleteGroup("builders")
		require.NoError(t, err)
		assert.Equal(t, 1, moved)
		assert.Equal(t, "visitor", r.GroupOf(bob).GroupName())
		assert.Nil(t, r.FindGroup("builders"))
	})

	t.Run("Default Groups Protected", func(t *testing.T) {
		r := newRoster(t)
		_, err := r.DeleteGroup("owner")
		assert.ErrorIs(t, err, ErrDefaultGroup)
		_, err = r.DeleteGroup("visitor")
		assert.ErrorIs(t, err, ErrDefaultGroup)
		assert.ErrorIs(t, r.RenameGroup("owner", "boss"), ErrOwnerGroup)
		assert.ErrorIs(t, r.SetGroupPermissions("owner", Enter, 0), ErrOwnerGroup)
		assert.NoError(t, r.RenameGroup("visitor", "guest"))
		assert.Equal(t, "guest", r.FallbackGroup().Name)
	})

	t.Run("Rename Updates Members", func(t *testing.T) {
		r := newRoster(t)
		require.NoError(t, r.RenameGroup("trusted", "friends"))
		assert.Equal(t, "friends", r.GroupOf(alice).GroupName())
		assert.ErrorIs(t, r.RenameGroup("friends", "member"), ErrGroupExists)
	})

	t.Run("Create Group", func(t *testing.T) {
		r := newRoster(t)
		_, err := r.CreateGroup(CustomGroup{Name: "member"})
		assert.ErrorIs(t, err, ErrGroupExists)
		_, err = r.CreateGroup(CustomGroup{Name: "gods", Priority: 100})
		assert.ErrorIs(t, err, ErrInvalidPriority)
		_, err = r.CreateGroup(CustomGroup{Name: "  "})
		assert.ErrorIs(t, err, ErrInvalidName)
		g, err := r.CreateGroup(CustomGroup{Name: "sneaky", Priority: 5, IsDefault: true})
		require.NoError(t, err)
		assert.False(t, g.IsDefault, "пользовательская группа не может быть группой по умолчанию")

		legacy := &Roster{}
		_, err = legacy.CreateGroup(CustomGroup{Name: "x"})
		assert.ErrorIs(t, err, ErrLegacyMode)
	})

	t.Run("Owner Group Not Assignable", func(t *testing.T) {
		r := newRoster(t)
		assert.ErrorIs(t, r.SetMemberGroup(bob, "owner"), ErrOwnerGroup)
		assert.ErrorIs(t, r.SetMemberGroup(uuid.New(), "member"), ErrNotMember)
	})
}

func TestPromoteDemote(t *testing.T) {
	p := uuid.New()

	t.Run("legacy", func(t *testing.T) {
		r := &Roster{}
		require.NoError(t, r.AddMember(p, "visitor", time.Now()))
		_, err := r.Demote(p)
		assert.ErrorIs(t, err, ErrNoLowerGroup)

		for _, want := range []string{"member", "trusted", "manager"} {
			g, err := r.Promote(p)
			require.NoError(t, err)
			assert.Equal(t, want, g.GroupName())
		}
		_, err = r.Promote(p)
		assert.ErrorIs(t, err, ErrNoHigherGroup, "повышение до владельца запрещено")
	})

	t.Run("Custom By Priority", func(t *testing.T) {
		r := &Roster{}
		require.NoError(t, r.AddMember(p, "member", time.Now()))
		require.NoError(t, r.MigrateToCustom())
		_, err := r.CreateGroup(CustomGroup{Name: "helpers", Priority: 15})
		require.NoError(t, err)

		g, err := r.Promote(p)
		require.NoError(t, err)
		assert.Equal(t, "helpers", g.GroupName())

		g, err = r.Demote(p)
		require.NoError(t, err)
		assert.Equal(t, "member", g.GroupName())

		g, err = r.Demote(p)
		require.NoError(t, err)
		assert.Equal(t, "visitor", g.GroupName())
	})

	t.Run("Not A Member", func(t *testing.T) {
		r := &Roster{}
		_, err := r.Promote(uuid.New())
		assert.ErrorIs(t, err, ErrNotMember)
	})
}
