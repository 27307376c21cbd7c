package factory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"auth-advisor/internal/bucketing"
	"auth-advisor/internal/client"
	"auth-advisor/internal/config"
	"auth-advisor/internal/repository"
	chrepo "auth-advisor/internal/repository/clickhouse"
	filerepo "auth-advisor/internal/repository/file"
	rediscache "auth-advisor/internal/repository/redis"
	sqliterepo "auth-advisor/internal/repository/sqlite"
	"auth-advisor/internal/service"
	"auth-advisor/internal/sink"
	"auth-advisor/internal/source"
	"auth-advisor/internal/tls"
	"auth-advisor/internal/util"
)

var errNotInitialized = errors.New("client not initialized")

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	shardManager *bucketing.ShardManager

	// Repositories
	eventStore     repository.EventStore
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads the configuration at configPath and initializes every dependency it asks for
func NewFactory(configPath string) (*Factory, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config:       cfg,
		shardManager: bucketing.NewShardManager(cfg.Profile.Shards),
		closed:       make(chan struct{}),
	}

	if cfg.Server.TLS.Enabled {
		factory.tlsManager = tls.NewManager(cfg.Server.TLS, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeEventStore(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.TLS.Enabled),
		util.String("source", cfg.Source.Type),
		util.String("model_store", cfg.Model.Store),
		util.String("event_store", cfg.EventStore.Driver),
		util.Strings("sinks", cfg.Report.Sinks),
	)

	return factory, nil
}

func (f *Factory) needsRedis() bool {
	return f.config.Redis.Enabled || f.config.Model.Store == "redis" || f.config.HasSink("blocklist")
}

// initializeClients initializes the external service clients the configuration needs, with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.needsRedis() {
		if client, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = client
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if f.config.HasSink("kafka") {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka producer: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}
	if f.config.Source.Type == "kafka" {
		if consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.LogTopic, f.config.Kafka.GroupID, util.Get()); err != nil {
			util.Warn("Kafka consumer initialization failed - proceeding with the synthetic source", util.ErrorField(err))
		} else {
			f.kafkaConsumer = consumer
			util.Info("Kafka consumer initialized", util.String("topic", f.config.Kafka.LogTopic))
		}
	}

	// Elasticsearch
	if f.config.HasSink("elasticsearch") {
		if client, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = client
			if err := f.esClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.EventStore.Driver == "clickhouse" {
		if client, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = client
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeEventStore() error {
	switch f.config.EventStore.Driver {
	case "sqlite":
		store, err := sqliterepo.NewEventStore(f.config.EventStore.SQLitePath)
		if err != nil {
			return err
		}
		f.eventStore = store
		util.Info("SQLite event store opened", util.String("path", f.config.EventStore.SQLitePath))
	case "clickhouse":
		if f.clickhouseClient == nil {
			util.Warn("ClickHouse unavailable - scored events will not be stored")
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := chrepo.NewEventStore(ctx, f.clickhouseClient)
		if err != nil {
			return err
		}
		f.eventStore = store
		util.Info("ClickHouse event store ready")
	}
	return nil
}

// ==============================
// Backend Selection
// ==============================

func (f *Factory) eventSource(p *service.ServiceFactory) source.Source {
	switch f.config.Source.Type {
	case "file":
		return source.NewFileSource(f.config.Source.LogPath, p.Parser())
	case "kafka":
		if f.kafkaConsumer == nil {
			return nil
		}
		return source.NewKafkaSource(f.kafkaConsumer, p.Parser())
	default:
		return nil
	}
}

func (f *Factory) modelStores() (repository.ModelStore, repository.ProfileRepository) {
	if f.config.Model.Store == "redis" {
		if f.redisClient == nil {
			util.Warn("Redis unavailable - model will not be persisted")
			return nil, nil
		}
		return rediscache.NewModelCache(f.redisClient), rediscache.NewProfileCache(f.redisClient)
	}
	profilesPath := filepath.Join(filepath.Dir(f.config.Model.Path), "profiles.json")
	return filerepo.NewModelStore(f.config.Model.Path), filerepo.NewProfileStore(profilesPath)
}

// blocklist is served whenever Redis is up, so blocks written by an earlier run can still be
// listed and released.
func (f *Factory) blocklist() repository.Blocklist {
	if f.redisClient == nil {
		return nil
	}
	return rediscache.NewBlocklistCache(f.redisClient)
}

func (f *Factory) sinks() []sink.ReportSink {
	var sinks []sink.ReportSink
	for _, name := range f.config.Report.Sinks {
		switch name {
		case "file":
			sinks = append(sinks, sink.NewFileSink(f.config.Report.Dir))
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, sink.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.ReportIndex))
				continue
			}
		case "kafka":
			if f.kafkaProducer != nil {
				sinks = append(sinks, sink.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.RecommendationTopic))
				continue
			}
		case "blocklist":
			if f.redisClient != nil {
				sinks = append(sinks, sink.NewBlocklistSink(rediscache.NewBlocklistCache(f.redisClient)))
				continue
			}
		}
		if name != "file" {
			util.Warn("Report sink disabled, client unavailable", util.String("sink", name))
		}
	}
	return sinks
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		models, profiles := f.modelStores()
		sf := service.NewServiceFactory(
			f.config,
			service.Backends{
				Models:    models,
				Profiles:  profiles,
				Events:    f.eventStore,
				Blocklist: f.blocklist(),
				Sinks:     f.sinks(),
			},
			f.shardManager,
			util.Get(),
		)
		sf.SetSource(f.eventSource(sf))
		f.serviceFactory = sf
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every configured dependency; a nil error means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.needsRedis() {
		health["redis"] = errNotInitialized
		if f.redisClient != nil {
			health["redis"] = f.redisClient.HealthCheck(ctx)
		}
	}

	if f.config.HasSink("elasticsearch") {
		health["elasticsearch"] = errNotInitialized
		if f.esClient != nil {
			health["elasticsearch"] = f.esClient.HealthCheck(ctx)
		}
	}

	if f.config.EventStore.Driver != "none" {
		health["event_store"] = errNotInitialized
		if f.eventStore != nil {
			health["event_store"] = f.eventStore.Ping(ctx)
		}
	}

	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	if f.serviceFactory != nil {
		if _, err := f.serviceFactory.Advisor().ModelInfo(); err != nil {
			health["model"] = err
		} else {
			health["model"] = nil
		}
	}

	return health
}

// ==============================
// Other Utility Methods
// ==============================

// IsHealthy ignores Kafka, whose sink is best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if name != "kafka" && err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		} else if f.eventStore != nil {
			if err := f.eventStore.Close(); err != nil {
				util.Error("Failed to close event store", util.ErrorField(err))
			}
		}

		// the clickhouse event store owns the client once created
		if f.clickhouseClient != nil && f.eventStore == nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			} else {
				util.Info("Kafka consumer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// TLSManager is nil unless TLS is enabled.
func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) RedisClient() *client.RedisClient {
	return f.redisClient
}

func (f *Factory) EventStore() repository.EventStore {
	return f.eventStore
}
