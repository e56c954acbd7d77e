// Package permission описывает права доступа к территориям: наборы прав
// уровня клейма и уровня управления, фиксированные legacy-группы и
// пользовательские группы.
package permission

import (
	"strings"

	"github.com/google/uuid"
)

// ClaimPermission битовый набор прав взаимодействия с территорией
type ClaimPermission uint32

const (
	Enter ClaimPermission = 1 << iota
	Build
	Break
	Interact
	Containers
	Doors
	Redstone
	Animals
	Vehicles
	Teleport

	// AllClaim все права уровня клейма
	AllClaim = Enter | Build | Break | Interact | Containers | Doors | Redstone | Animals | Vehicles | Teleport
)

// ManagementPermission битовый набор административных прав
type ManagementPermission uint32

const (
	ManageMembers ManagementPermission = 1 << iota
	ManageChunks
	ManageFlags
	ManageGroups
	ManageBank
	ManageSettings

	// AllManagement все права управления
	AllManagement = ManageMembers | ManageChunks | ManageFlags | ManageGroups | ManageBank | ManageSettings
)

var claimNames = []struct {
	perm ClaimPermission
	name string
}{
	{Enter, "enter"},
	{Build, "build"},
	{Break, "break"},
	{Interact, "interact"},
	{Containers, "containers"},
	{Doors, "doors"},
	{Redstone, "redstone"},
	{Animals, "animals"},
	{Vehicles, "vehicles"},
	{Teleport, "teleport"},
}

var managementNames = []struct {
	perm ManagementPermission
	name string
}{
	{ManageMembers, "manage_members"},
	{ManageChunks, "manage_chunks"},
	{ManageFlags, "manage_flags"},
	{ManageGroups, "manage_groups"},
	{ManageBank, "manage_bank"},
	{ManageSettings, "manage_settings"},
}

// Has проверяет, что все биты perm присутствуют в наборе
func (s ClaimPermission) Has(perm ClaimPermission) bool {
	return perm != 0 && s&perm == perm
}

// Has проверяет, что все биты perm присутствуют в наборе
func (s ManagementPermission) Has(perm ManagementPermission) bool {
	return perm != 0 && s&perm == perm
}

// Names возвращает имена прав в фиксированном порядке
func (s ClaimPermission) Names() []string {
	out := make([]string, 0, len(claimNames))
	for _, n := range claimNames {
		if s&n.perm != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// Names возвращает имена прав в фиксированном порядке
func (s ManagementPermission) Names() []string {
	out := make([]string, 0, len(managementNames))
	for _, n := range managementNames {
		if s&n.perm != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (s ClaimPermission) String() string      { return strings.Join(s.Names(), ",") }
func (s ManagementPermission) String() string { return strings.Join(s.Names(), ",") }

// ParseClaimPermission разбирает имя права уровня клейма
func ParseClaimPermission(name string) (ClaimPermission, bool) {
	for _, n := range claimNames {
		if n.name == name {
			return n.perm, true
		}
	}
	return 0, false
}

// ParseManagementPermission разбирает имя права управления
func ParseManagementPermission(name string) (ManagementPermission, bool) {
	for _, n := range managementNames {
		if n.name == name {
			return n.perm, true
		}
	}
	return 0, false
}

// Group единый интерфейс для legacy и пользовательских групп
type Group interface {
	GroupName() string
	GroupPriority() int
	ClaimPermissions() ClaimPermission
	ManagementPermissions() ManagementPermission
}

// HasClaimPermission проверяет право уровня клейма.
//
// Порядок проверки:
//  1. владелец и администратор сервера проходят всегда;
//  2. группа игрока берётся из roster (custom или legacy);
//  3. без группы доступно только Enter.
func HasClaimPermission(owner uuid.UUID, roster *Roster, player uuid.UUID, perm ClaimPermission, isAdmin bool) bool {
	if isAdmin || player == owner {
		return true
	}
	var g Group
	if roster != nil {
		g = roster.GroupOf(player)
	}
	if g == nil {
		return Enter.Has(perm)
	}
	return g.ClaimPermissions().Has(perm)
}

// HasManagementPermission проверяет право управления.
// Игрок без группы не имеет прав управления.
func HasManagementPermission(owner uuid.UUID, roster *Roster, player uuid.UUID, perm ManagementPermission, isAdmin bool) bool {
	if isAdmin || player == owner {
		return true
	}
	if roster == nil {
		return false
	}
	g := roster.GroupOf(player)
	if g == nil {
		return false
	}
	return g.ManagementPermissions().Has(perm)
}
