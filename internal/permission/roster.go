package permission

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotMember       = errors.New("player is not a member of the claim")
	ErrAlreadyMember   = errors.New("player is already a member of the claim")
	ErrGroupNotFound   = errors.New("group not found")
	ErrGroupExists     = errors.New("group already exists")
	ErrDefaultGroup    = errors.New("default group cannot be deleted")
	ErrOwnerGroup      = errors.New("owner group cannot be modified")
	ErrLegacyMode      = errors.New("claim uses legacy groups")
	ErrAlreadyCustom   = errors.New("claim already uses custom groups")
	ErrInvalidName     = errors.New("invalid group name")
	ErrInvalidPriority = errors.New("priority must be below the owner group")
	ErrNoHigherGroup   = errors.New("no group above the current one")
	ErrNoLowerGroup    = errors.New("no group below the current one")
	ErrOutranked       = errors.New("group is not below the actor's group")
)

// Member участник клейма. В legacy-режиме используется Legacy,
// после миграции на пользовательские группы - Group.
type Member struct {
	Player   uuid.UUID   `json:"player"`
	Legacy   LegacyGroup `json:"legacy"`
	Group    string      `json:"group,omitempty"`
	JoinedAt time.Time   `json:"joined_at"`
}

// Roster участники клейма в порядке вступления и его группы
type Roster struct {
	Members []Member       `json:"members"`
	Groups  []*CustomGroup `json:"groups,omitempty"`
}

// IsCustom true, если клейм перешёл на пользовательские группы
func (r *Roster) IsCustom() bool {
	return r != nil && len(r.Groups) > 0
}

// Clone возвращает глубокую копию
func (r *Roster) Clone() *Roster {
	if r == nil {
		return &Roster{}
	}
	out := &Roster{
		Members: append([]Member(nil), r.Members...),
		Groups:  make([]*CustomGroup, 0, len(r.Groups)),
	}
	for _, g := range r.Groups {
		cp := *g
		out.Groups = append(out.Groups, &cp)
	}
	return out
}

func (r *Roster) memberIndex(player uuid.UUID) int {
	for i := range r.Members {
		if r.Members[i].Player == player {
			return i
		}
	}
	return -1
}

// IsMember проверяет членство игрока
func (r *Roster) IsMember(player uuid.UUID) bool {
	return r != nil && r.memberIndex(player) >= 0
}

// FindGroup ищет пользовательскую группу без учёта регистра
func (r *Roster) FindGroup(name string) *CustomGroup {
	for _, g := range r.Groups {
		if strings.EqualFold(g.Name, name) {
			return g
		}
	}
	return nil
}

// OwnerGroup группа с наибольшим приоритетом среди групп по умолчанию
func (r *Roster) OwnerGroup() *CustomGroup {
	var best *CustomGroup
	for _, g := range r.Groups {
		if g.IsDefault && (best == nil || g.Priority > best.Priority) {
			best = g
		}
	}
	return best
}

// FallbackGroup группа по умолчанию с наименьшим приоритетом (аналог visitor)
func (r *Roster) FallbackGroup() *CustomGroup {
	var best *CustomGroup
	for _, g := range r.Groups {
		if g.IsDefault && (best == nil || g.Priority < best.Priority) {
			best = g
		}
	}
	return best
}

// GroupOf возвращает группу игрока или nil, если он не участник.
// Выбор между legacy и custom делается здесь и только здесь.
func (r *Roster) GroupOf(player uuid.UUID) Group {
	if r == nil {
		return nil
	}
	i := r.memberIndex(player)
	if i < 0 {
		return nil
	}
	m := r.Members[i]
	if !r.IsCustom() {
		return m.Legacy
	}
	if g := r.FindGroup(m.Group); g != nil {
		return g
	}
	if fb := r.FallbackGroup(); fb != nil {
		return fb
	}
	return nil
}

// AddMember добавляет участника; пустое имя группы означает группу по умолчанию
func (r *Roster) AddMember(player uuid.UUID, group string, at time.Time) error {
	if r.memberIndex(player) >= 0 {
		return ErrAlreadyMember
	}
	m := Member{Player: player, Legacy: GroupMember, JoinedAt: at}
	if r.IsCustom() {
		g, err := r.assignable(group)
		if err != nil {
			return err
		}
		m.Group = g.Name
	} else if group != "" {
		lg, err := legacyAssignable(group)
		if err != nil {
			return err
		}
		m.Legacy = lg
	}
	r.Members = append(r.Members, m)
	return nil
}

// RemoveMember удаляет участника, сохраняя порядок остальных
func (r *Roster) RemoveMember(player uuid.UUID) error {
	i := r.memberIndex(player)
	if i < 0 {
		return ErrNotMember
	}
	r.Members = append(r.Members[:i], r.Members[i+1:]...)
	return nil
}

// SetMemberGroup назначает участнику группу по имени
func (r *Roster) SetMemberGroup(player uuid.UUID, group string) error {
	i := r.memberIndex(player)
	if i < 0 {
		return ErrNotMember
	}
	if r.IsCustom() {
		g, err := r.assignable(group)
		if err != nil {
			return err
		}
		r.Members[i].Group = g.Name
		return nil
	}
	lg, err := legacyAssignable(group)
	if err != nil {
		return err
	}
	r.Members[i].Legacy = lg
	return nil
}

func (r *Roster) assignable(name string) (*CustomGroup, error) {
	if name == "" {
		if fb := r.FallbackGroup(); fb != nil {
			return fb, nil
		}
		return nil, ErrGroupNotFound
	}
	g := r.FindGroup(name)
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if g == r.OwnerGroup() {
		return nil, ErrOwnerGroup
	}
	return g, nil
}

func legacyAssignable(name string) (LegacyGroup, error) {
	lg, ok := ParseLegacyGroup(name)
	if !ok {
		return GroupVisitor, ErrGroupNotFound
	}
	if lg == GroupOwner {
		return GroupVisitor, ErrOwnerGroup
	}
	return lg, nil
}

// MigrateToCustom переводит клейм на пользовательские группы.
// Участники попадают в одноимённые группы по умолчанию.
func (r *Roster) MigrateToCustom() error {
	if r.IsCustom() {
		return ErrAlreadyCustom
	}
	r.Groups = DefaultCustomGroups()
	for i := range r.Members {
		r.Members[i].Group = r.Members[i].Legacy.String()
	}
	return nil
}

// CreateGroup добавляет пользовательскую группу
func (r *Roster) CreateGroup(g CustomGroup) (*CustomGroup, error) {
	if !r.IsCustom() {
		return nil, ErrLegacyMode
	}
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" || len(g.Name) > 32 {
		return nil, ErrInvalidName
	}
	if r.FindGroup(g.Name) != nil {
		return nil, ErrGroupExists
	}
	if owner := r.OwnerGroup(); owner != nil && g.Priority >= owner.Priority {
		return nil, ErrInvalidPriority
	}
	g.IsDefault = false
	g.ClaimPerms &= AllClaim
	g.MgmtPerms &= AllManagement
	created := &g
	r.Groups = append(r.Groups, created)
	return created, nil
}

// DeleteGroup удаляет группу, переводя её участников в fallback-группу.
// Возвращает число переведённых участников.
func (r *Roster) DeleteGroup(name string) (int, error) {
	if !r.IsCustom() {
		return 0, ErrLegacyMode
	}
	g := r.FindGroup(name)
	if g == nil {
		return 0, ErrGroupNotFound
	}
	if g.IsDefault {
		return 0, ErrDefaultGroup
	}
	fallback := r.FallbackGroup()
	moved := 0
	for i := range r.Members {
		if strings.EqualFold(r.Members[i].Group, g.Name) {
			r.Members[i].Group = fallback.Name
			moved++
		}
	}
	for i, cg := range r.Groups {
		if cg == g {
			r.Groups = append(r.Groups[:i], r.Groups[i+1:]...)
			break
		}
	}
	return moved, nil
}

// RenameGroup переименовывает группу; группу владельца переименовать нельзя
func (r *Roster) RenameGroup(oldName, newName string) error {
	if !r.IsCustom() {
		return ErrLegacyMode
	}
	g := r.FindGroup(oldName)
	if g == nil {
		return ErrGroupNotFound
	}
	if g == r.OwnerGroup() {
		return ErrOwnerGroup
	}
	newName = strings.TrimSpace(newName)
	if newName == "" || len(newName) > 32 {
		return ErrInvalidName
	}
	if other := r.FindGroup(newName); other != nil && other != g {
		return ErrGroupExists
	}
	for i := range r.Members {
		if strings.EqualFold(r.Members[i].Group, g.Name) {
			r.Members[i].Group = newName
		}
	}
	g.Name = newName
	return nil
}

// SetGroupPermissions заменяет наборы прав группы
func (r *Roster) SetGroupPermissions(name string, claim ClaimPermission, mgmt ManagementPermission) error {
	if !r.IsCustom() {
		return ErrLegacyMode
	}
	g := r.FindGroup(name)
	if g == nil {
		return ErrGroupNotFound
	}
	if g == r.OwnerGroup() {
		return ErrOwnerGroup
	}
	g.ClaimPerms = claim & AllClaim
	g.MgmtPerms = mgmt & AllManagement
	return nil
}

// Promote переводит участника в следующую группу строго выше по приоритету.
// Группа владельца через повышение недоступна.
func (r *Roster) Promote(player uuid.UUID) (Group, error) {
	return r.step(player, true)
}

// Demote переводит участника в следующую группу строго ниже по приоритету
func (r *Roster) Demote(player uuid.UUID) (Group, error) {
	return r.step(player, false)
}

func (r *Roster) step(player uuid.UUID, up bool) (Group, error) {
	i := r.memberIndex(player)
	if i < 0 {
		return nil, ErrNotMember
	}

	if !r.IsCustom() {
		cur := r.Members[i].Legacy
		next := cur - 1
		if up {
			next = cur + 1
		}
		if next < GroupVisitor {
			return nil, ErrNoLowerGroup
		}
		if next >= GroupOwner {
			return nil, ErrNoHigherGroup
		}
		r.Members[i].Legacy = next
		return next, nil
	}

	current := r.GroupOf(player)
	owner := r.OwnerGroup()
	ordered := make([]*CustomGroup, 0, len(r.Groups))
	for _, g := range r.Groups {
		if g != owner {
			ordered = append(ordered, g)
		}
	}
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Priority < ordered[b].Priority })

	prio := current.GroupPriority()
	var target *CustomGroup
	if up {
		for _, g := range ordered {
			if g.Priority > prio {
				target = g
				break
			}
		}
		if target == nil {
			return nil, ErrNoHigherGroup
		}
	} else {
		for j := len(ordered) - 1; j >= 0; j-- {
			if ordered[j].Priority < prio {
				target = ordered[j]
				break
			}
		}
		if target == nil {
			return nil, ErrNoLowerGroup
		}
	}
	r.Members[i].Group = target.Name
	return target, nil
}
