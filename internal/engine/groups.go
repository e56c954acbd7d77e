package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/annel0/mmo-territory/internal/eventbus"
	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// GroupRequest общие параметры операций над участниками и группами клейма
type GroupRequest struct {
	Player  uuid.UUID `json:"-"`
	ClaimID int64     `json:"-"`
	IsAdmin bool      `json:"-"`
}

func (r GroupRequest) attrs(op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("territory.player", r.Player.String()),
		attribute.Int64("territory.claim", r.ClaimID),
		attribute.String("territory.group_op", op),
	}
}

// actorRank предел, до которого актор может назначать группы.
// Владелец и администратор не ограничены.
type actorRank struct {
	unlimited bool
	priority  int
}

// below проверяет, что группа строго ниже группы актора
func (a actorRank) below(g permission.Group) error {
	if a.unlimited || g == nil {
		return nil
	}
	if g.GroupPriority() >= a.priority {
		return permission.ErrOutranked
	}
	return nil
}

// memberChange проверяет участника до и после изменения: обе группы
// должны быть ниже группы актора
func memberChange(r *permission.Roster, rank actorRank, member uuid.UUID, change func() error) error {
	if err := rank.below(r.GroupOf(member)); err != nil {
		return err
	}
	if err := change(); err != nil {
		return err
	}
	return rank.below(r.GroupOf(member))
}

// mutateRoster применяет fn к копии состава клейма и сохраняет результат:
// сначала хранилище, затем индекс.
func (e *Engine) mutateRoster(ctx context.Context, op string, req GroupRequest, perm permission.ManagementPermission,
	fn func(r *permission.Roster, rank actorRank) (string, error)) Result {
	return e.run(ctx, "group_"+op, req.attrs(op), func(ctx context.Context) Result {
		unlock := e.index.LockClaims(req.ClaimID)
		defer unlock()

		claim, exists := e.index.Get(req.ClaimID)
		if !exists {
			return fail(ReasonNotFound, "claim %d not found", req.ClaimID)
		}
		if !claim.HasManagementPermission(req.Player, perm, req.IsAdmin) {
			return fail(ReasonPermissionDenied, "player %s lacks %s on claim %d", req.Player, perm, req.ClaimID)
		}

		rank := actorRank{unlimited: req.IsAdmin || claim.Owner == req.Player}
		if !rank.unlimited {
			if g := claim.Roster.GroupOf(req.Player); g != nil {
				rank.priority = g.GroupPriority()
			}
		}

		roster := claim.Roster.Clone()
		detail, err := fn(roster, rank)
		if err != nil {
			return rosterFailure(err)
		}

		updated := claim.Clone()
		updated.Roster = roster
		if err := e.repo.SaveClaim(ctx, updated); err != nil {
			return persistFail(ReasonDatabaseError, "save claim", err)
		}
		if _, err := e.index.Update(req.ClaimID, func(c *territory.Claim) error {
			c.Roster = roster
			return nil
		}); err != nil {
			return fail(ReasonInvalidState, "index: %v", err)
		}

		e.publish(ctx, eventbus.TerritoryEvent{
			Type:    eventbus.GroupChanged,
			Actor:   req.Player,
			ClaimID: req.ClaimID,
			World:   claim.World,
			Detail:  detail,
		})
		e.invalidate(ctx, "group", req.ClaimID)

		out := ok(req.ClaimID)
		out.Message = detail
		return out
	})
}

func rosterFailure(err error) Result {
	switch {
	case errors.Is(err, permission.ErrNotMember), errors.Is(err, permission.ErrGroupNotFound):
		return fail(ReasonNotFound, "%v", err)
	case errors.Is(err, permission.ErrOwnerGroup), errors.Is(err, permission.ErrOutranked):
		return fail(ReasonPermissionDenied, "%v", err)
	default:
		return fail(ReasonInvalidState, "%v", err)
	}
}

// MigrateToCustomGroups переводит клейм на пользовательские группы
func (e *Engine) MigrateToCustomGroups(ctx context.Context, req GroupRequest) Result {
	return e.mutateRoster(ctx, "migrate", req, permission.ManageGroups, func(r *permission.Roster, rank actorRank) (string, error) {
		if err := r.MigrateToCustom(); err != nil {
			return "", err
		}
		return fmt.Sprintf("migrated %d members to custom groups", len(r.Members)), nil
	})
}

// CreateGroup добавляет пользовательскую группу
func (e *Engine) CreateGroup(ctx context.Context, req GroupRequest, group permission.CustomGroup) Result {
	return e.mutateRoster(ctx, "create", req, permission.ManageGroups, func(r *permission.Roster, rank actorRank) (string, error) {
		created, err := r.CreateGroup(group)
		if err != nil {
			return "", err
		}
		return "created group " + created.Name, nil
	})
}

// RenameGroup переименовывает группу; группа владельца не переименовывается
func (e *Engine) RenameGroup(ctx context.Context, req GroupRequest, oldName, newName string) Result {
	return e.mutateRoster(ctx, "rename", req, permission.ManageGroups, func(r *permission.Roster, rank actorRank) (string, error) {
		if err := r.RenameGroup(oldName, newName); err != nil {
			return "", err
		}
		return fmt.Sprintf("renamed group %s to %s", oldName, newName), nil
	})
}

// DeleteGroup удаляет группу; её участники переходят в группу посетителей
func (e *Engine) DeleteGroup(ctx context.Context, req GroupRequest, name string) Result {
	return e.mutateRoster(ctx, "delete", req, permission.ManageGroups, func(r *permission.Roster, rank actorRank) (string, error) {
		moved, err := r.DeleteGroup(name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("deleted group %s, moved %d members", name, moved), nil
	})
}

// SetGroupPermission заменяет наборы прав группы
func (e *Engine) SetGroupPermission(ctx context.Context, req GroupRequest, name string,
	claimPerms permission.ClaimPermission, mgmtPerms permission.ManagementPermission) Result {
	return e.mutateRoster(ctx, "permissions", req, permission.ManageGroups, func(r *permission.Roster, rank actorRank) (string, error) {
		if err := r.SetGroupPermissions(name, claimPerms, mgmtPerms); err != nil {
			return "", err
		}
		return fmt.Sprintf("group %s: claim=[%s] manage=[%s]", name, claimPerms, mgmtPerms), nil
	})
}

// AddMember добавляет участника; пустая группа означает группу по умолчанию
func (e *Engine) AddMember(ctx context.Context, req GroupRequest, member uuid.UUID, group string) Result {
	return e.mutateRoster(ctx, "add_member", req, permission.ManageMembers, func(r *permission.Roster, rank actorRank) (string, error) {
		if member == uuid.Nil {
			return "", permission.ErrNotMember
		}
		if err := r.AddMember(member, group, e.now()); err != nil {
			return "", err
		}
		if err := rank.below(r.GroupOf(member)); err != nil {
			return "", err
		}
		return fmt.Sprintf("added %s as %s", member, r.GroupOf(member).GroupName()), nil
	})
}

// RemoveMember удаляет участника
func (e *Engine) RemoveMember(ctx context.Context, req GroupRequest, member uuid.UUID) Result {
	return e.mutateRoster(ctx, "remove_member", req, permission.ManageMembers, func(r *permission.Roster, rank actorRank) (string, error) {
		if err := memberChange(r, rank, member, func() error { return r.RemoveMember(member) }); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %s", member), nil
	})
}

// SetMemberGroup назначает участнику группу
func (e *Engine) SetMemberGroup(ctx context.Context, req GroupRequest, member uuid.UUID, group string) Result {
	return e.mutateRoster(ctx, "set_member_group", req, permission.ManageMembers, func(r *permission.Roster, rank actorRank) (string, error) {
		if err := memberChange(r, rank, member, func() error { return r.SetMemberGroup(member, group) }); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s is now %s", member, r.GroupOf(member).GroupName()), nil
	})
}

// Promote повышает участника на одну группу
func (e *Engine) Promote(ctx context.Context, req GroupRequest, member uuid.UUID) Result {
	return e.mutateRoster(ctx, "promote", req, permission.ManageMembers, func(r *permission.Roster, rank actorRank) (string, error) {
		var g permission.Group
		err := memberChange(r, rank, member, func() (err error) {
			g, err = r.Promote(member)
			return err
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s promoted to %s", member, g.GroupName()), nil
	})
}

// Demote понижает участника на одну группу
func (e *Engine) Demote(ctx context.Context, req GroupRequest, member uuid.UUID) Result {
	return e.mutateRoster(ctx, "demote", req, permission.ManageMembers, func(r *permission.Roster, rank actorRank) (string, error) {
		var g permission.Group
		err := memberChange(r, rank, member, func() (err error) {
			g, err = r.Demote(member)
			return err
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s demoted to %s", member, g.GroupName()), nil
	})
}
