// README: Customer handlers: ride history and profile stats.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tarhal/internal/modules/ride"
)

type CustomerHandler struct {
	rides *ride.Service
}

func NewCustomerHandler(rides *ride.Service) *CustomerHandler {
	return &CustomerHandler{rides: rides}
}

func (h *CustomerHandler) Rides(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, offset := page(c)
	rides, err := h.rides.History(c.Request.Context(), ride.HistoryQuery{CustomerID: id, Limit: limit, Offset: offset})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

func (h *CustomerHandler) Stats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	st, err := h.rides.Stats(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}
