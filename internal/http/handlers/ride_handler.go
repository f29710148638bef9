// README: Ride handlers: request, read, offer responses, trip progress and cancel.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tarhal/internal/modules/dispatch"
	"tarhal/internal/modules/ride"
	"tarhal/internal/types"
)

type RideHandler struct {
	rides  *ride.Service
	engine *dispatch.Engine
}

func NewRideHandler(rides *ride.Service, engine *dispatch.Engine) *RideHandler {
	return &RideHandler{rides: rides, engine: engine}
}

type createRideReq struct {
	Pickup      types.Point      `json:"pickup"`
	Destination ride.Destination `json:"destination"`
	VehicleType string           `json:"vehicle_type"`
}

type cancelRideReq struct {
	Reason string `json:"reason"`
}

// Create requests a ride for the calling customer and starts dispatch.
func (h *RideHandler) Create(c *gin.Context) {
	if isDriver(c) {
		writeError(c, http.StatusForbidden, "drivers cannot request rides")
		return
	}
	var req createRideReq
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.engine.RequestRide(c.Request.Context(), ride.CreateCommand{
		CustomerID:  caller(c),
		Pickup:      req.Pickup,
		Destination: req.Destination,
		VehicleType: req.VehicleType,
	})
	retryable := errors.Is(err, dispatch.ErrNoDriversAvailable) || errors.Is(err, dispatch.ErrDispatchFailed)
	if retryable && r != nil {
		msg := err.Error()
		if errors.Is(err, dispatch.ErrDispatchFailed) {
			_ = c.Error(err)
			msg = dispatch.ErrDispatchFailed.Error()
		}
		c.Header("Retry-After", "30")
		writeJSON(c, http.StatusServiceUnavailable, gin.H{
			"error":     msg,
			"retryable": true,
			"ride":      r,
		})
		return
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// Offers lists the ride's offers to its customer; a driver sees only their own.
func (h *RideHandler) Offers(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	offers, err := h.rides.Offers(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if isDriver(c) {
		own := offers[:0]
		for _, o := range offers {
			if o.DriverID == caller(c) {
				own = append(own, o)
			}
		}
		offers = own
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": offers})
}

func (h *RideHandler) Events(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	evs, err := h.rides.Events(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": evs})
}

func (h *RideHandler) Accept(c *gin.Context) {
	h.respond(c, true)
}

func (h *RideHandler) Decline(c *gin.Context) {
	h.respond(c, false)
}

func (h *RideHandler) respond(c *gin.Context, accept bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := h.engine.Respond(c.Request.Context(), id, caller(c), accept)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Arrive(c *gin.Context) {
	h.driverAction(c, h.rides.Arrive)
}

func (h *RideHandler) Start(c *gin.Context) {
	h.driverAction(c, h.rides.Start)
}

func (h *RideHandler) Complete(c *gin.Context) {
	h.driverAction(c, h.rides.Complete)
}

func (h *RideHandler) driverAction(c *gin.Context, action func(context.Context, ride.DriverActionCommand) (*ride.Ride, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	r, err := action(c.Request.Context(), ride.DriverActionCommand{RideID: id, DriverID: caller(c)})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// Cancel cancels on behalf of the caller: the owning customer or the assigned driver.
func (h *RideHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelRideReq
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	by := ride.ActorCustomer
	if isDriver(c) {
		by = ride.ActorDriver
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  id,
		By:      by,
		ActorID: caller(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	h.engine.Forget(r.ID)
	writeJSON(c, http.StatusOK, r)
}

// load fetches the ride in the path and checks the caller may see it.
func (h *RideHandler) load(c *gin.Context) (*ride.Ride, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	if !canView(c, h.rides, r) {
		writeError(c, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return r, true
}

// canView allows the owning customer, the assigned driver and any driver
// that was offered the ride.
func canView(c *gin.Context, rides *ride.Service, r *ride.Ride) bool {
	uid := caller(c)
	if !isDriver(c) {
		return r.CustomerID == uid
	}
	if r.IsAssigned(uid) {
		return true
	}
	offers, err := rides.Offers(c.Request.Context(), r.ID)
	if err != nil {
		return false
	}
	for _, o := range offers {
		if o.DriverID == uid {
			return true
		}
	}
	return false
}
