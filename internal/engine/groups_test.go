package engine

import (
	"context"
	"testing"

	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupOperations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	alice, bob, stranger := uuid.New(), uuid.New(), uuid.New()
	id := f.claim(t, alice, cell(0, 0), cell(0, 1))
	owner := GroupRequest{Player: alice, ClaimID: id}

	t.Run("Legacy Mode", func(t *testing.T) {
		require.True(t, f.eng.AddMember(ctx, owner, bob, "trusted").Success)

		r := f.eng.AddMember(ctx, owner, bob, "")
		assert.Equal(t, ReasonInvalidState, r.Reason, "Повторное добавление")

		r = f.eng.AddMember(ctx, GroupRequest{Player: stranger, ClaimID: id}, uuid.New(), "")
		assert.Equal(t, ReasonPermissionDenied, r.Reason)

		r = f.eng.CreateGroup(ctx, owner, permission.CustomGroup{Name: "builders", Priority: 15})
		assert.Equal(t, ReasonInvalidState, r.Reason, "Пользовательские группы недоступны до миграции")

		r = f.eng.SetMemberGroup(ctx, owner, bob, "owner")
		assert.Equal(t, ReasonPermissionDenied, r.Reason)

		r = f.eng.Unclaim(ctx, UnclaimRequest{Player: bob, Cell: cell(0, 1)})
		assert.Equal(t, ReasonNotOwner, r.Reason, "Legacy-группы не дают прав управления")
	})

	t.Run("Migration", func(t *testing.T) {
		r := f.eng.MigrateToCustomGroups(ctx, owner)
		require.True(t, r.Success, r.Message)

		c, _ := f.eng.ClaimByID(ctx, id)
		require.True(t, c.Roster.IsCustom())
		assert.Equal(t, "trusted", c.Roster.GroupOf(bob).GroupName())

		stored, err := f.mem.GetClaim(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.Roster.IsCustom(), "Состав сохранён в хранилище")

		r = f.eng.MigrateToCustomGroups(ctx, owner)
		assert.Equal(t, ReasonInvalidState, r.Reason)
	})

	t.Run("Group Management", func(t *testing.T) {
		require.True(t, f.eng.CreateGroup(ctx, owner, permission.CustomGroup{
			Name:       "builders",
			Priority:   25,
			ClaimPerms: permission.Build | permission.Break | permission.Enter,
		}).Success)

		r := f.eng.CreateGroup(ctx, owner, permission.CustomGroup{Name: "builders", Priority: 26})
		assert.Equal(t, ReasonInvalidState, r.Reason)

		assert.True(t, f.eng.RenameGroup(ctx, owner, "builders", "masons").Success)
		assert.Equal(t, ReasonPermissionDenied, f.eng.RenameGroup(ctx, owner, "owner", "boss").Reason)
		assert.Equal(t, ReasonNotFound, f.eng.RenameGroup(ctx, owner, "ghosts", "spirits").Reason)

		assert.True(t, f.eng.SetGroupPermission(ctx, owner, "masons", permission.AllClaim, 0).Success)
		assert.Equal(t, ReasonInvalidState, f.eng.DeleteGroup(ctx, owner, "visitor").Reason, "Группа по умолчанию не удаляется")
	})

	t.Run("Promote And Demote", func(t *testing.T) {
		r := f.eng.Promote(ctx, owner, bob)
		require.True(t, r.Success, r.Message)
		c, _ := f.eng.ClaimByID(ctx, id)
		assert.Equal(t, "masons", c.Roster.GroupOf(bob).GroupName())

		require.True(t, f.eng.Demote(ctx, owner, bob).Success)
		c, _ = f.eng.ClaimByID(ctx, id)
		assert.Equal(t, "trusted", c.Roster.GroupOf(bob).GroupName())

		assert.Equal(t, ReasonNotFound, f.eng.Promote(ctx, owner, stranger).Reason)
	})

	t.Run("Manager Handles Cells And Members", func(t *testing.T) {
		require.True(t, f.eng.SetMemberGroup(ctx, owner, bob, "manager").Success)
		manager := GroupRequest{Player: bob, ClaimID: id}

		r := f.eng.AddMember(ctx, manager, stranger, "member")
		require.True(t, r.Success, r.Message)

		r = f.eng.CreateGroup(ctx, manager, permission.CustomGroup{Name: "guests", Priority: 5})
		assert.Equal(t, ReasonPermissionDenied, r.Reason, "У менеджера нет ManageGroups")

		r = f.eng.Unclaim(ctx, UnclaimRequest{Player: bob, Cell: cell(0, 1)})
		assert.True(t, r.Success, r.Message)
	})

	t.Run("Manager Cannot Rank At Or Above Self", func(t *testing.T) {
		manager := GroupRequest{Player: bob, ClaimID: id}
		require.True(t, f.eng.CreateGroup(ctx, owner, permission.CustomGroup{
			Name:      "wardens",
			Priority:  50,
			MgmtPerms: permission.ManageGroups | permission.ManageMembers,
		}).Success)

		assert.Equal(t, ReasonPermissionDenied, f.eng.SetMemberGroup(ctx, manager, stranger, "wardens").Reason)
		assert.Equal(t, ReasonPermissionDenied, f.eng.SetMemberGroup(ctx, manager, stranger, "manager").Reason, "Равная группа тоже запрещена")
		assert.Equal(t, ReasonPermissionDenied, f.eng.Promote(ctx, manager, bob).Reason, "Самоповышение запрещено")
		assert.Equal(t, ReasonPermissionDenied, f.eng.AddMember(ctx, manager, uuid.New(), "wardens").Reason)

		c, _ := f.eng.ClaimByID(ctx, id)
		assert.Equal(t, "manager", c.Roster.GroupOf(bob).GroupName(), "Состав не изменился")
		assert.Equal(t, "member", c.Roster.GroupOf(stranger).GroupName())

		r := f.eng.Promote(ctx, manager, stranger)
		require.True(t, r.Success, r.Message)
		c, _ = f.eng.ClaimByID(ctx, id)
		assert.Equal(t, "trusted", c.Roster.GroupOf(stranger).GroupName(), "Повышение ниже своей группы разрешено")

		require.True(t, f.eng.SetMemberGroup(ctx, owner, stranger, "wardens").Success)
		assert.Equal(t, ReasonPermissionDenied, f.eng.Demote(ctx, manager, stranger).Reason, "Старший участник вне досягаемости")
		assert.Equal(t, ReasonPermissionDenied, f.eng.RemoveMember(ctx, manager, stranger).Reason)

		admin := GroupRequest{Player: uuid.New(), ClaimID: id, IsAdmin: true}
		require.True(t, f.eng.SetMemberGroup(ctx, admin, bob, "wardens").Success)
		require.True(t, f.eng.SetMemberGroup(ctx, owner, bob, "manager").Success)
		require.True(t, f.eng.DeleteGroup(ctx, owner, "wardens").Success)
	})

	t.Run("Delete Group And Member", func(t *testing.T) {
		require.True(t, f.eng.SetMemberGroup(ctx, owner, stranger, "masons").Success)
		r := f.eng.DeleteGroup(ctx, owner, "masons")
		require.True(t, r.Success)

		c, _ := f.eng.ClaimByID(ctx, id)
		assert.Equal(t, "visitor", c.Roster.GroupOf(stranger).GroupName())

		require.True(t, f.eng.RemoveMember(ctx, owner, stranger).Success)
		assert.Equal(t, ReasonNotFound, f.eng.RemoveMember(ctx, owner, stranger).Reason)
	})

	t.Run("Admin", func(t *testing.T) {
		admin := GroupRequest{Player: uuid.New(), ClaimID: id, IsAdmin: true}
		assert.True(t, f.eng.AddMember(ctx, admin, uuid.New(), "").Success)
		assert.Equal(t, ReasonNotFound, f.eng.AddMember(ctx, GroupRequest{Player: alice, ClaimID: 999}, bob, "").Reason)
	})

	f.assertConsistent(t)
}
