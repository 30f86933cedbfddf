package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/skypass/fleetwatch/internal/types"
)

type alertView struct {
	types.AlertRecord
	EndpointName string `json:"endpoint_name"`
}

func alertViews(recs []types.AlertRecord, eps []types.TrackedEndpoint) []alertView {
	names := make(map[uint]string, len(eps))
	for _, ep := range eps {
		names[ep.ID] = ep.Name
	}
	out := make([]alertView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, alertView{AlertRecord: rec, EndpointName: names[rec.EndpointID]})
	}
	return out
}

func (s *Server) listAlerts(c *gin.Context) {
	ctx := c.Request.Context()
	var endpointID uint
	if v := c.Query("endpoint_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint_id"})
			return
		}
		endpointID = uint(id)
	}

	recs, err := s.store.ListAlerts(ctx, endpointID, queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	eps, err := s.store.ListEndpoints(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alertViews(recs, eps)})
}

func (s *Server) resendAlert(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetAlert(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ops.ResendAlert(c.Request.Context(), id))
}
