package api

import (
	"fmt"

	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/permission"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// groupPayload тело запросов создания группы и смены прав
type groupPayload struct {
	Name       string   `json:"name"`
	Icon       string   `json:"icon"`
	Priority   int      `json:"priority"`
	ClaimPerms []string `json:"claim_perms"`
	MgmtPerms  []string `json:"mgmt_perms"`
}

type memberPayload struct {
	Player uuid.UUID `json:"player"`
	Group  string    `json:"group"`
}

// parsePermissions собирает битовые наборы из имён прав
func parsePermissions(claimNames, mgmtNames []string) (permission.ClaimPermission, permission.ManagementPermission, error) {
	var claimPerms permission.ClaimPermission
	for _, name := range claimNames {
		p, ok := permission.ParseClaimPermission(name)
		if !ok {
			return 0, 0, fmt.Errorf("unknown claim permission %q", name)
		}
		claimPerms |= p
	}
	var mgmtPerms permission.ManagementPermission
	for _, name := range mgmtNames {
		p, ok := permission.ParseManagementPermission(name)
		if !ok {
			return 0, 0, fmt.Errorf("unknown management permission %q", name)
		}
		mgmtPerms |= p
	}
	return claimPerms, mgmtPerms, nil
}

// groupRequest общие параметры операции; при ошибке ответ уже отправлен
func groupRequest(c *gin.Context) (engine.GroupRequest, bool) {
	id, ok := claimIDParam(c)
	if !ok {
		return engine.GroupRequest{}, false
	}
	return engine.GroupRequest{Player: actor(c), ClaimID: id, IsAdmin: isAdmin(c)}, true
}

func memberParam(c *gin.Context) (uuid.UUID, bool) {
	member, err := uuid.Parse(c.Param("player"))
	if err != nil {
		badRequest(c, "Неверный UUID участника")
		return uuid.Nil, false
	}
	return member, true
}

func (rs *RestServer) handleMigrateGroups(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	respond(c, rs.engine.MigrateToCustomGroups(c.Request.Context(), req))
}

func (rs *RestServer) handleCreateGroup(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	var body groupPayload
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		badRequest(c, "Ожидается группа с именем")
		return
	}
	claimPerms, mgmtPerms, err := parsePermissions(body.ClaimPerms, body.MgmtPerms)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	group := permission.CustomGroup{
		Name:       body.Name,
		Icon:       body.Icon,
		Priority:   body.Priority,
		ClaimPerms: claimPerms,
		MgmtPerms:  mgmtPerms,
	}
	respond(c, rs.engine.CreateGroup(c.Request.Context(), req, group))
}

func (rs *RestServer) handleRenameGroup(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Ожидается новое имя группы")
		return
	}
	respond(c, rs.engine.RenameGroup(c.Request.Context(), req, c.Param("name"), body.Name))
}

func (rs *RestServer) handleDeleteGroup(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	respond(c, rs.engine.DeleteGroup(c.Request.Context(), req, c.Param("name")))
}

func (rs *RestServer) handleGroupPermissions(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	var body groupPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "Неверный формат запроса: "+err.Error())
		return
	}
	claimPerms, mgmtPerms, err := parsePermissions(body.ClaimPerms, body.MgmtPerms)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	respond(c, rs.engine.SetGroupPermission(c.Request.Context(), req, c.Param("name"), claimPerms, mgmtPerms))
}

func (rs *RestServer) handleAddMember(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	var body memberPayload
	if err := c.ShouldBindJSON(&body); err != nil || body.Player == uuid.Nil {
		badRequest(c, "Ожидается UUID участника")
		return
	}
	respond(c, rs.engine.AddMember(c.Request.Context(), req, body.Player, body.Group))
}

func (rs *RestServer) handleSetMemberGroup(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	member, ok := memberParam(c)
	if !ok {
		return
	}
	var body memberPayload
	if err := c.ShouldBindJSON(&body); err != nil || body.Group == "" {
		badRequest(c, "Ожидается имя группы")
		return
	}
	respond(c, rs.engine.SetMemberGroup(c.Request.Context(), req, member, body.Group))
}

func (rs *RestServer) handleRemoveMember(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	member, ok := memberParam(c)
	if !ok {
		return
	}
	respond(c, rs.engine.RemoveMember(c.Request.Context(), req, member))
}

func (rs *RestServer) handlePromote(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	member, ok := memberParam(c)
	if !ok {
		return
	}
	respond(c, rs.engine.Promote(c.Request.Context(), req, member))
}

func (rs *RestServer) handleDemote(c *gin.Context) {
	req, ok := groupRequest(c)
	if !ok {
		return
	}
	member, ok := memberParam(c)
	if !ok {
		return
	}
	respond(c, rs.engine.Demote(c.Request.Context(), req, member))
}
