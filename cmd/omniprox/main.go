package main

import (
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZephrFish/OmniProx/internal/cache"
	"github.com/ZephrFish/OmniProx/internal/config"
	"github.com/ZephrFish/OmniProx/internal/database"
	"github.com/ZephrFish/OmniProx/internal/fleet"
	"github.com/ZephrFish/OmniProx/internal/forward"
	"github.com/ZephrFish/OmniProx/internal/localplane"
	"github.com/ZephrFish/OmniProx/internal/metrics"
	"github.com/ZephrFish/OmniProx/internal/provider"
	"github.com/ZephrFish/OmniProx/internal/server"
	"github.com/ZephrFish/OmniProx/internal/types"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Load configuration
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	metrics.Initialize()

	srvConfig := &server.Config{
		Host:         cfg.Server.Host,
		AdminPort:    cfg.Server.AdminPort,
		EndpointPort: cfg.Server.EndpointPort,
		AdminAPIKey:  cfg.Server.AdminAPIKey,
	}

	// Determine server mode from command line
	mode := "endpoint"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "admin":
		manager := buildManager(cfg, logger)
		srv := server.NewAdminServer(srvConfig, manager, logger)
		if err := srv.Run(); err != nil {
			log.Fatalf("Failed to start admin server: %v", err)
		}

	case "endpoint":
		srv := server.NewEndpointServer(srvConfig, forward.EngineConfig{
			BaseTargetURL:       cfg.Forwarding.BaseTargetURL,
			BaseTargetOnly:      cfg.Forwarding.BaseTargetOnly,
			AllowHeaderTarget:   cfg.Forwarding.AllowHeaderTarget,
			RotateIdentity:      cfg.Forwarding.RotateIdentity,
			BlockPrivateTargets: cfg.Forwarding.BlockPrivateTargets,
			UpstreamTimeout:     time.Duration(cfg.Forwarding.UpstreamTimeoutSecs) * time.Second,
		}, logger)
		if err := srv.Run(); err != nil {
			log.Fatalf("Failed to start endpoint server: %v", err)
		}

	default:
		log.Fatalf("Unknown server mode: %s", mode)
	}
}

// buildManager wires the fleet store, cache and provider adapters for the
// admin control plane.
func buildManager(cfg *config.Config, logger *logrus.Logger) *fleet.Manager {
	var store fleet.Store
	if cfg.Database.DBName != "" {
		db, err := database.NewDB(&database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		store = database.NewRepository(db)
	} else {
		logger.Warn("No database configured, fleet state is in-memory only")
		store = fleet.NewInMemoryStore()
	}

	var recordCache fleet.RecordCache
	redisCache, err := cache.NewCache(cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, running without cache")
	} else {
		recordCache = redisCache
	}

	credentials := config.NewCredentialStore(cfg)

	var adapters []provider.Adapter
	for name, providerCfg := range cfg.Providers {
		if !providerCfg.Enabled {
			continue
		}

		p, err := types.ParseProvider(name)
		if err != nil || p == types.ProviderAll {
			log.Fatalf("Invalid provider in configuration: %s", name)
		}

		region := providerCfg.Region
		if creds, err := credentials.GetProfile(p, providerCfg.Profile); err == nil {
			if region == "" {
				region = creds.Region
			}
		} else {
			logger.WithField("provider", p).Info("No credential profile, using local control plane")
		}

		// Each adapter gets its own in-process control plane. Vendor
		// control planes slot in behind the same interfaces.
		plane := localplane.New(logger)

		switch p {
		case types.ProviderEdgeFunction:
			adapters = append(adapters, provider.NewEdgeFunctionAdapter(plane, providerCfg.MaxConcurrent, logger))
		case types.ProviderContainerPool:
			adapters = append(adapters, provider.NewContainerPoolAdapter(plane, region, providerCfg.MaxConcurrent, logger))
		case types.ProviderManagedGateway:
			adapters = append(adapters, provider.NewManagedGatewayAdapter(plane, region, providerCfg.MaxConcurrent, logger))
		}
	}

	if len(adapters) == 0 {
		log.Fatalf("No providers enabled in configuration")
	}

	return fleet.NewManager(adapters, store, recordCache, logger)
}
