// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tarhal/internal/events"
	"tarhal/internal/http/handlers"
	"tarhal/internal/http/middleware"
	"tarhal/internal/infra"
	"tarhal/internal/modules/dispatch"
	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/notify"
	"tarhal/internal/modules/ride"
)

type Deps struct {
	Rides    *ride.Service
	Dispatch *dispatch.Engine
	Drivers  *driver.Service
	Location *location.Service
	Bus      *events.Bus
	Sessions *notify.WSRegistry
	Verifier infra.TokenVerifier
	Log      logrus.FieldLogger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Metrics(), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", middleware.Auth(d.Verifier))
	driverOnly := middleware.RequireRole(middleware.RoleDriver)

	rideHandler := handlers.NewRideHandler(d.Rides, d.Dispatch)
	api.POST("/rides", rideHandler.Create)
	api.GET("/rides/:id", rideHandler.Get)
	api.GET("/rides/:id/offers", rideHandler.Offers)
	api.GET("/rides/:id/events", rideHandler.Events)
	api.POST("/rides/:id/offers/:driverId/accept", driverOnly, middleware.RequireSelf("driverId"), rideHandler.Accept)
	api.POST("/rides/:id/offers/:driverId/decline", driverOnly, middleware.RequireSelf("driverId"), rideHandler.Decline)
	api.POST("/rides/:id/arrive", driverOnly, rideHandler.Arrive)
	api.POST("/rides/:id/start", driverOnly, rideHandler.Start)
	api.POST("/rides/:id/complete", driverOnly, rideHandler.Complete)
	api.POST("/rides/:id/cancel", rideHandler.Cancel)

	customers := api.Group("/customers/:id", middleware.RequireSelf("id"))
	customerHandler := handlers.NewCustomerHandler(d.Rides)
	customers.GET("/rides", customerHandler.Rides)
	customers.GET("/stats", customerHandler.Stats)

	driverHandler := handlers.NewDriverHandler(d.Drivers, d.Location, d.Rides)
	api.POST("/drivers", driverOnly, driverHandler.Register)
	drivers := api.Group("/drivers/:id", driverOnly, middleware.RequireSelf("id"))
	drivers.GET("", driverHandler.Get)
	drivers.PATCH("", driverHandler.UpdateProfile)
	drivers.DELETE("", driverHandler.Deactivate)
	drivers.PUT("/status", driverHandler.SetStatus)
	drivers.PUT("/location", driverHandler.UpdateLocation)
	drivers.PUT("/device-token", driverHandler.DeviceToken)
	drivers.POST("/withdrawals", driverHandler.Withdraw)
	drivers.GET("/withdrawals", driverHandler.Withdrawals)
	drivers.GET("/rides", driverHandler.Rides)
	drivers.GET("/stats", driverHandler.Stats)
	drivers.POST("/emergencies", driverHandler.Emergency)

	wsHandler := handlers.NewWSHandler(d.Rides, d.Bus, d.Sessions, d.Log)
	api.GET("/ws/rides/:id", wsHandler.RideFeed)
	api.GET("/ws/drivers/:id", driverOnly, middleware.RequireSelf("id"), wsHandler.DriverSession)

	return r
}
