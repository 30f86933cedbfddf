package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/skypass/fleetwatch/internal/evaluator"
	"github.com/skypass/fleetwatch/internal/resolver"
	"github.com/skypass/fleetwatch/internal/types"
)

type endpointRequest struct {
	Name       string `json:"name" binding:"required"`
	VMAddress  string `json:"vm_address" binding:"required"`
	Address    string `json:"address" binding:"required"`
	Limit      int    `json:"limit" binding:"required,gt=0"`
	AlertEmail string `json:"alert_email" binding:"omitempty,email"`
}

func (r endpointRequest) apply(ep *types.TrackedEndpoint) error {
	ep.Name = strings.TrimSpace(r.Name)
	ep.VMAddress = strings.TrimSpace(r.VMAddress)
	ep.Address = resolver.Canonical(r.Address)
	ep.Limit = r.Limit
	ep.AlertEmail = strings.TrimSpace(r.AlertEmail)
	if ep.Name == "" || ep.VMAddress == "" || strings.TrimSpace(r.Address) == "" {
		return errors.New("name, vm_address and address must not be blank")
	}
	if !resolver.Resolve(ep.Address).HasHost() {
		return errors.New("address must include a host")
	}
	return nil
}

// endpointView adds the evaluated state to a stored endpoint.
type endpointView struct {
	types.TrackedEndpoint
	State   types.UtilizationState `json:"state"`
	Percent float64                `json:"percent"`
}

func viewOf(ep types.TrackedEndpoint) endpointView {
	a := evaluator.Assess(ep.DeviceCount, ep.Limit)
	return endpointView{TrackedEndpoint: ep, State: a.State, Percent: a.Percent}
}

func (s *Server) listEndpoints(c *gin.Context) {
	eps, err := s.store.ListEndpoints(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, viewOf(ep))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": views})
}

func (s *Server) getEndpoint(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ep, err := s.store.GetEndpoint(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(*ep))
}

func (s *Server) createEndpoint(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var ep types.TrackedEndpoint
	if err := req.apply(&ep); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.CreateEndpoint(c.Request.Context(), &ep); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info().Uint("id", ep.ID).Str("endpoint", ep.Name).Msg("Endpoint created")
	c.JSON(http.StatusCreated, viewOf(ep))
}

func (s *Server) updateEndpoint(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep := types.TrackedEndpoint{ID: id}
	if err := req.apply(&ep); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateEndpoint(c.Request.Context(), &ep); err != nil {
		writeError(c, err)
		return
	}
	updated, err := s.store.GetEndpoint(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info().Uint("id", id).Str("endpoint", updated.Name).Msg("Endpoint updated")
	c.JSON(http.StatusOK, viewOf(*updated))
}

func (s *Server) deleteEndpoint(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteEndpoint(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	s.ops.Forget(id)
	s.logger.Info().Uint("id", id).Msg("Endpoint deleted")
	c.Status(http.StatusNoContent)
}

func (s *Server) probeEndpoint(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	out, err := s.ops.ProbeNow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  out.Reachable,
		"count":    out.Assessment.Count,
		"limit":    out.Assessment.Limit,
		"state":    out.Assessment.State,
		"percent":  out.Assessment.Percent,
		"url":      out.URL,
		"attempts": out.Attempts,
		"endpoint": viewOf(out.Endpoint),
	})
}

type alertRequest struct {
	Kind types.AlertKind `json:"kind"`
}

func (s *Server) sendAlert(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req alertRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Kind != "" && !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be exceeded or near_limit"})
		return
	}
	if _, err := s.store.GetEndpoint(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ops.SendAlertNow(c.Request.Context(), id, req.Kind))
}

type testConnectionRequest struct {
	URL string `json:"url" binding:"required"`
}

func (s *Server) testConnection(c *gin.Context) {
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "no URL provided"})
		return
	}
	c.JSON(http.StatusOK, s.ops.TestConnection(c.Request.Context(), req.URL))
}

func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	eps, err := s.store.ListEndpoints(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	recent, err := s.store.ListAlerts(ctx, 0, 5)
	if err != nil {
		writeError(c, err)
		return
	}

	var totalDevices, active int
	nearLimit := []endpointView{}
	exceeded := []endpointView{}
	for _, ep := range eps {
		totalDevices += ep.DeviceCount
		if ep.DeviceCount > 0 {
			active++
		}
		switch v := viewOf(ep); v.State {
		case types.NearLimit:
			nearLimit = append(nearLimit, v)
		case types.Exceeded:
			exceeded = append(exceeded, v)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_endpoints": len(eps),
		"total_devices":   totalDevices,
		"active":          active,
		"inactive":        len(eps) - active,
		"near_limit":      nearLimit,
		"exceeded":        exceeded,
		"recent_alerts":   alertViews(recent, eps),
	})
}
