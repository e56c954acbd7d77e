package permission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LegacyGroup фиксированная группа; порядок констант задаёт приоритет
type LegacyGroup int

const (
	GroupVisitor LegacyGroup = iota
	GroupMember
	GroupTrusted
	GroupManager
	GroupOwner
)

var legacyNames = [...]string{"visitor", "member", "trusted", "manager", "owner"}

// Наборы прав по умолчанию для legacy-групп
var legacyDefaults = [...]ClaimPermission{
	GroupVisitor: Enter,
	GroupMember:  Enter | Interact | Doors | Teleport,
	GroupTrusted: Enter | Interact | Doors | Teleport | Build | Break | Containers | Redstone | Animals | Vehicles,
	GroupManager: AllClaim,
	GroupOwner:   AllClaim,
}

func (g LegacyGroup) valid() bool { return g >= GroupVisitor && g <= GroupOwner }

func (g LegacyGroup) String() string {
	if !g.valid() {
		return fmt.Sprintf("legacy(%d)", int(g))
	}
	return legacyNames[g]
}

func (g LegacyGroup) GroupName() string  { return g.String() }
func (g LegacyGroup) GroupPriority() int { return int(g) }

func (g LegacyGroup) ClaimPermissions() ClaimPermission {
	if !g.valid() {
		return Enter
	}
	return legacyDefaults[g]
}

// ManagementPermissions legacy-группы не несут прав управления
func (g LegacyGroup) ManagementPermissions() ManagementPermission { return 0 }

// ParseLegacyGroup разбирает имя legacy-группы
func ParseLegacyGroup(name string) (LegacyGroup, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range legacyNames {
		if n == name {
			return LegacyGroup(i), true
		}
	}
	return GroupVisitor, false
}

func (g LegacyGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *LegacyGroup) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseLegacyGroup(s)
	if !ok {
		return fmt.Errorf("unknown legacy group %q", s)
	}
	*g = parsed
	return nil
}

// CustomGroup группа, определённая владельцем клейма
type CustomGroup struct {
	Name       string               `json:"name"`
	Icon       string               `json:"icon,omitempty"`
	Priority   int                  `json:"priority"`
	ClaimPerms ClaimPermission      `json:"claim_perms"`
	MgmtPerms  ManagementPermission `json:"mgmt_perms"`
	IsDefault  bool                 `json:"is_default"`
}

func (g *CustomGroup) GroupName() string                           { return g.Name }
func (g *CustomGroup) GroupPriority() int                          { return g.Priority }
func (g *CustomGroup) ClaimPermissions() ClaimPermission           { return g.ClaimPerms }
func (g *CustomGroup) ManagementPermissions() ManagementPermission { return g.MgmtPerms }

// DefaultCustomGroups группы, которые создаются при переходе клейма на
// пользовательские группы. Повторяют legacy-набор; manager получает
// базовые права управления.
func DefaultCustomGroups() []*CustomGroup {
	return []*CustomGroup{
		{Name: "visitor", Icon: "OAK_SIGN", Priority: 0, ClaimPerms: legacyDefaults[GroupVisitor], IsDefault: true},
		{Name: "member", Icon: "PLAYER_HEAD", Priority: 10, ClaimPerms: legacyDefaults[GroupMember], IsDefault: true},
		{Name: "trusted", Icon: "IRON_PICKAXE", Priority: 20, ClaimPerms: legacyDefaults[GroupTrusted], IsDefault: true},
		{Name: "manager", Icon: "GOLDEN_HELMET", Priority: 30, ClaimPerms: legacyDefaults[GroupManager],
			MgmtPerms: ManageMembers | ManageChunks | ManageFlags, IsDefault: true},
		{Name: "owner", Icon: "DIAMOND_HELMET", Priority: 100, ClaimPerms: AllClaim, MgmtPerms: AllManagement, IsDefault: true},
	}
}
