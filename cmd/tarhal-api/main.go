// README: Entry point; loads config, wires modules, starts the HTTP server and the change feed consumers.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"tarhal/internal/config"
	"tarhal/internal/events"
	httptransport "tarhal/internal/http"
	"tarhal/internal/infra"
	"tarhal/internal/logging"
	"tarhal/internal/maps"
	"tarhal/internal/modules/dispatch"
	"tarhal/internal/modules/driver"
	"tarhal/internal/modules/location"
	"tarhal/internal/modules/notify"
	"tarhal/internal/modules/pricing"
	"tarhal/internal/modules/ride"
	"tarhal/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("TARHAL_FIREBASE_PROJECT_ID is required")
	}
	firebaseApp, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("firebase init")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, firebaseApp, cfg.Firebase.CheckRevoked)
	if err != nil {
		log.WithError(err).Fatal("firebase auth init")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()

	bus := events.NewBus(log)
	defer bus.Close()

	locationOpts := []location.Option{location.WithLogger(log)}
	if cfg.Firebase.DatabaseURL != "" {
		mirror, err := location.NewFirebaseMirror(ctx, firebaseApp)
		if err != nil {
			log.WithError(err).Fatal("firebase rtdb init")
		}
		locationOpts = append(locationOpts, location.WithMirror(mirror))
	}
	locationSvc := location.NewService(location.NewRedisStore(redisClient), cfg.Dispatch.LocationMaxAge, locationOpts...)

	driverStore := driver.NewPostgresStore(dbPool)
	driverSvc := driver.NewService(driverStore, locationSvc, driver.WithLogger(log))

	table, err := pricing.NewStore(dbPool).LoadTable(ctx)
	if err != nil {
		log.WithError(err).Warn("vehicle_rates unavailable; using default fares")
		table = pricing.DefaultTable()
	}
	validation.SetVehicleTypes(table.VehicleTypes())

	rideOpts := []ride.Option{
		ride.WithFeed(bus),
		ride.WithServiceFeePercent(cfg.Settlement.ServiceFeePercent),
		ride.WithLogger(log),
	}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.Region)
		if err != nil {
			log.WithError(err).Fatal("maps init")
		}
		places, err := maps.NewPlacesService(cfg.Maps.APIKey, cfg.Maps.Language)
		if err != nil {
			log.WithError(err).Fatal("maps init")
		}
		rideOpts = append(rideOpts, ride.WithDistanceEstimator(routes), ride.WithDestinationLabeler(places))
	}
	rideSvc := ride.NewService(ride.NewPostgresStore(dbPool), pricing.NewCalculator(table), rideOpts...)
	driverSvc.SetEarningsSource(rideSvc)

	sessions := notify.NewWSRegistry(log)
	gateway := notify.Fanout{sessions}
	if cfg.Firebase.Messaging {
		fcm, err := notify.NewFCMGateway(ctx, firebaseApp, driverSvc, log)
		if err != nil {
			log.WithError(err).Fatal("firebase messaging init")
		}
		gateway = append(gateway, fcm)
	} else {
		log.Warn("firebase messaging disabled; pushes are logged only")
		gateway = append(gateway, notify.NewLogGateway(log))
	}

	engine := dispatch.NewEngine(rideSvc, locationSvc, gateway, cfg.Dispatch, dispatch.WithLogger(log))
	defer engine.Shutdown()
	if n, err := engine.Recover(ctx); err != nil {
		log.WithError(err).Error("recover searching rides")
	} else if n > 0 {
		log.WithField("rides", n).Info("recovered searching rides")
	}

	var consumers sync.WaitGroup
	relayFeed, cancelRelay := bus.SubscribeAll()
	defer cancelRelay()
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		notify.NewRelay(gateway, log).Run(ctx, relayFeed)
	}()

	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log)
		defer sink.Close()
		kafkaFeed, cancelKafka := bus.SubscribeAll()
		defer cancelKafka()
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			sink.Run(ctx, kafkaFeed)
		}()
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Rides:    rideSvc,
		Dispatch: engine,
		Drivers:  driverSvc,
		Location: locationSvc,
		Bus:      bus,
		Sessions: sessions,
		Verifier: verifier,
		Log:      log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, log)
	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("http server")
	}
	stop()
	consumers.Wait()
	log.Info("shutdown complete")
}
