package service

import (
	"time"

	"auth-advisor/internal/bucketing"
	"auth-advisor/internal/config"
	"auth-advisor/internal/features"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/policy"
	"auth-advisor/internal/profile"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/scoring"
	"auth-advisor/internal/sink"
	"auth-advisor/internal/source"

	"go.uber.org/zap"
)

// Backends are the infrastructure-backed collaborators chosen by the caller.
type Backends struct {
	Source    source.Source
	Models    repository.ModelStore
	Profiles  repository.ProfileRepository
	Events    repository.EventStore
	Blocklist repository.Blocklist
	Sinks     []sink.ReportSink
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg      *config.Config
	backends Backends
	parser   *parser.Parser
	sharding *bucketing.ShardManager
	logger   *zap.Logger
	advisor  *Advisor
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	backends Backends,
	sharding *bucketing.ShardManager,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		backends: backends,
		parser:   parser.NewParser(logger.Named("parser")),
		sharding: sharding,
		logger:   logger,
	}
}

func (f *ServiceFactory) Parser() *parser.Parser {
	return f.parser
}

// SetSource replaces the event source. It has no effect once the advisor is built.
func (f *ServiceFactory) SetSource(src source.Source) {
	f.backends.Source = src
}

// Advisor returns the advisor instance (singleton)
func (f *ServiceFactory) Advisor() *Advisor {
	if f.advisor == nil {
		f.advisor = f.newAdvisor()
	}
	return f.advisor
}

func (f *ServiceFactory) newAdvisor() *Advisor {
	cfg := f.cfg
	profiles := profile.NewStore(f.sharding)

	scorerCfg := scoring.DefaultConfig()
	scorerCfg.Trees = cfg.Model.Trees
	scorerCfg.Contamination = cfg.Model.Contamination
	scorerCfg.MaxFeatures = cfg.Model.MaxFeatures
	scorerCfg.Bootstrap = cfg.Model.Bootstrap
	scorerCfg.Seed = cfg.Model.Seed

	deps := Dependencies{
		Parser:    f.parser,
		Extractor: features.NewExtractor(profiles, f.logger.Named("features")),
		Scorer:    scoring.NewScorer(scorerCfg, f.logger.Named("scoring")),
		Engine: policy.NewEngine(policy.Config{
			RiskThreshold:        cfg.Policy.RiskThreshold,
			BlockDurationMinutes: cfg.Policy.BlockDurationMinutes,
			TopN:                 cfg.Policy.TopN,
		}),
		Source:    f.backends.Source,
		Fallback:  source.NewSyntheticSource(cfg.Source.SyntheticNoiseUsers, cfg.Source.SyntheticSeed, f.parser),
		Models:    f.backends.Models,
		Profiles:  f.backends.Profiles,
		Events:    f.backends.Events,
		Blocklist: f.backends.Blocklist,
	}
	if len(f.backends.Sinks) > 0 {
		deps.Sink = sink.NewMulti(f.backends.Sinks...)
	}

	return NewAdvisor(AdvisorConfig{
		HistoryWindow:  time.Duration(cfg.Source.HistoryHours) * time.Hour,
		AnalysisWindow: time.Duration(cfg.Source.AnalysisWindowHours) * time.Hour,
	}, deps, f.logger.Named("advisor"))
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.backends.Events != nil {
		if err := f.backends.Events.Close(); err != nil {
			f.logger.Warn("Failed to close event store", zap.Error(err))
		}
	}
}
