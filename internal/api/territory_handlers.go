package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// statusFor переводит класс ошибки движка в HTTP статус
func statusFor(cat engine.Category) int {
	switch cat {
	case "":
		return http.StatusOK
	case engine.CategoryNotFound:
		return http.StatusNotFound
	case engine.CategoryPermissionDenied:
		return http.StatusForbidden
	case engine.CategoryInsufficientFunds:
		return http.StatusPaymentRequired
	case engine.CategoryCapacityExceeded, engine.CategoryInvalidState:
		return http.StatusConflict
	case engine.CategoryPersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respond отдаёт Result движка как есть
func respond(c *gin.Context, res engine.Result) {
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(statusFor(res.Category), res)
}

// respondErr отдаёт ошибку чтения движка
func respondErr(c *gin.Context, err error) {
	res := engine.ResultOf(err)
	c.JSON(statusFor(res.Category), GenericResponse{Success: false, Message: res.Message, Data: gin.H{"reason": res.Reason}})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: msg})
}

// claimIDParam разбирает :id; при ошибке ответ уже отправлен
func claimIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Неверный ID клейма")
		return 0, false
	}
	return id, true
}

type countRequest struct {
	Count int `json:"count" binding:"required,min=1"`
}

func (rs *RestServer) handleClaim(c *gin.Context) {
	var cell territory.CellKey
	if err := c.ShouldBindJSON(&cell); err != nil || cell.World == "" {
		badRequest(c, "Ожидается клетка {world, x, z}")
		return
	}
	respond(c, rs.engine.Claim(c.Request.Context(), actor(c), cell))
}

func (rs *RestServer) handleUnclaim(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	var req engine.UnclaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса: "+err.Error())
		return
	}
	req.ClaimID = id
	req.Player = actor(c)
	req.IsAdmin = isAdmin(c)
	respond(c, rs.engine.Unclaim(c.Request.Context(), req))
}

func (rs *RestServer) handleDeleteClaim(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	respond(c, rs.engine.DeleteClaim(c.Request.Context(), actor(c), id, isAdmin(c)))
}

func (rs *RestServer) handleReassign(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	var req engine.ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса: "+err.Error())
		return
	}
	req.From = id
	req.Player = actor(c)
	req.IsAdmin = isAdmin(c)
	respond(c, rs.engine.Reassign(c.Request.Context(), req))
}

// handleTransfer передаёт клетки; массовая передача уходит в пул воркеров
// и возвращает 202 с идентификатором задачи
func (rs *RestServer) handleTransfer(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	var req engine.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Неверный формат запроса: "+err.Error())
		return
	}
	req.SourceClaim = id
	req.Player = actor(c)
	req.IsAdmin = isAdmin(c)
	if !req.IsAdmin {
		// явную комиссию задаёт только администратор
		req.Cost = nil
	}

	if !req.Bulk || rs.workers == nil {
		respond(c, rs.engine.TransferToPlayer(c.Request.Context(), req))
		return
	}

	// Контекст запроса отменится после ответа, задача живёт дольше
	ctx := context.WithoutCancel(c.Request.Context())
	future := rs.workers.Submit(func() engine.Result {
		return rs.engine.TransferToPlayer(ctx, req)
	})
	jobID := rs.jobs.track(req.Player, future)
	rs.log.Debug("⚙️ Массовая передача клейма %d поставлена в очередь: задача %s", id, jobID)
	c.JSON(http.StatusAccepted, GenericResponse{
		Success: true,
		Message: "Передача поставлена в очередь",
		Data:    gin.H{"job_id": jobID},
	})
}

func (rs *RestServer) handleAllocate(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Ожидается count >= 1")
		return
	}
	respond(c, rs.engine.AllocateFromPool(c.Request.Context(), actor(c), id, req.Count, isAdmin(c)))
}

func (rs *RestServer) handlePurchaseClaimCells(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Ожидается count >= 1")
		return
	}
	respond(c, rs.engine.PurchaseClaimCells(c.Request.Context(), actor(c), id, req.Count))
}

func (rs *RestServer) handleTeleport(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	respond(c, rs.engine.ChargeTeleport(c.Request.Context(), actor(c), id))
}

func (rs *RestServer) handlePurchaseChunks(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Ожидается count >= 1")
		return
	}
	respond(c, rs.engine.PurchaseChunksBulk(c.Request.Context(), actor(c), req.Count))
}

func (rs *RestServer) handleGetClaim(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	claim, err := rs.engine.ClaimByID(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Клейм найден",
		Data:    gin.H{"claim": claim, "cells": claim.CellKeys()},
	})
}

// handleRegion связная область клейма вокруг клетки ?x=&z=[&world=]
func (rs *RestServer) handleRegion(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	x, errX := strconv.Atoi(c.Query("x"))
	z, errZ := strconv.Atoi(c.Query("z"))
	if errX != nil || errZ != nil {
		badRequest(c, "Ожидаются координаты x и z")
		return
	}
	world := c.Query("world")
	if world == "" {
		claim, err := rs.engine.ClaimByID(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		world = claim.World
	}

	cells, err := rs.engine.ConnectedRegion(c.Request.Context(), id, territory.CellKey{World: world, X: x, Z: z})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Связная область",
		Data:    gin.H{"claim_id": id, "cells": cells, "count": len(cells)},
	})
}

// handleCell владелец клетки и история смены владельцев
func (rs *RestServer) handleCell(c *gin.Context) {
	x, errX := strconv.Atoi(c.Param("x"))
	z, errZ := strconv.Atoi(c.Param("z"))
	if errX != nil || errZ != nil {
		badRequest(c, "Неверные координаты клетки")
		return
	}
	cell := territory.CellKey{World: c.Param("world"), X: x, Z: z}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	history, err := rs.engine.History(c.Request.Context(), cell, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	data := gin.H{"cell": cell, "history": history}
	if claim, err := rs.engine.ClaimAt(c.Request.Context(), cell); err == nil {
		data["claim"] = claim
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Клетка", Data: data})
}

func (rs *RestServer) handlePlayerClaims(c *gin.Context) {
	player, err := uuid.Parse(c.Param("player"))
	if err != nil {
		badRequest(c, "Неверный UUID игрока")
		return
	}
	claims := rs.engine.ClaimsOf(c.Request.Context(), player, c.Query("world"))
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Клеймы игрока",
		Data:    gin.H{"claims": claims, "total": len(claims)},
	})
}

func (rs *RestServer) handlePool(c *gin.Context) {
	pool, err := rs.engine.Pool(c.Request.Context(), actor(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Пул игрока", Data: pool})
}
