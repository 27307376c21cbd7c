package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"auth-advisor/internal/factory"
	"auth-advisor/internal/features"
	"auth-advisor/internal/handler"
	"auth-advisor/internal/scoring"
	"auth-advisor/internal/util"
)

type options struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "advisor",
		Short:         "Anomaly detection and policy recommendations for identity service logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config/config.yaml", "path to the YAML configuration overlay")

	cmd.AddCommand(
		newTrainCommand(opts),
		newAnalyzeCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

func newTrainCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly model on the configured history window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := factory.NewFactory(opts.configPath)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := f.ServiceFactory().Advisor().Train(ctx)
			if err != nil {
				return fmt.Errorf("training failed: %w", err)
			}
			util.Info("Training completed",
				util.String("source", summary.Source),
				util.Int("events", summary.Events),
				util.Int("profiles", summary.Profiles),
				util.Float64("offset", summary.Model.Offset),
				util.Time("trained_at", summary.Model.TrainedAt),
				util.String("model_path", f.Config().Model.Path),
			)
			return nil
		},
	}
}

func newAnalyzeCommand(opts *options) *cobra.Command {
	var printJSON bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Score the analysis window once and publish recommendations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := factory.NewFactory(opts.configPath)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			advisor := f.ServiceFactory().Advisor()
			if err := advisor.LoadModel(ctx); err != nil {
				util.Warn("No saved model loaded", util.ErrorField(err))
			}

			analysis, err := advisor.Analyze(ctx)
			switch {
			case errors.Is(err, scoring.ErrNotTrained):
				return errors.New("no trained model available, run `advisor train` first")
			case errors.Is(err, features.ErrInsufficientData):
				util.Warn("Not enough recent events to analyze", util.ErrorField(err))
				return nil
			case err != nil:
				return fmt.Errorf("analysis failed: %w", err)
			}

			if analysis.Report.Clean() {
				util.Info("No anomalies detected", util.Int("events", analysis.Report.TotalEvents))
			} else {
				util.Warn("Anomalies detected",
					util.Int("anomalies", analysis.Report.AnomalyCount),
					util.Int("recommendations", len(analysis.Report.Recommendations)),
				)
			}
			if printJSON {
				return writeJSON(cmd.OutOrStdout(), analysis.Report)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printJSON, "json", false, "print the report to stdout")
	return cmd
}

func newServeCommand(opts *options) *cobra.Command {
	var trainIfMissing bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := factory.NewFactory(opts.configPath)
			if err != nil {
				return err
			}
			defer f.Close()

			cfg := f.Config()
			advisor := f.ServiceFactory().Advisor()
			if err := advisor.LoadModel(cmd.Context()); err != nil {
				util.Warn("No saved model loaded", util.ErrorField(err))
				if trainIfMissing {
					if _, err := advisor.Train(cmd.Context()); err != nil {
						return fmt.Errorf("initial training failed: %w", err)
					}
				}
			}

			router := handler.NewRouter(handler.NewAdvisorHandler(advisor, util.Named("http")), f, util.Get())
			server := &http.Server{
				Addr:         cfg.GetServerAddress(),
				Handler:      router,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  cfg.Server.IdleTimeout,
			}

			if f.TLSManager() != nil {
				server.TLSConfig = f.TLSManager().TLSConfig()
			}
			startServer(f, server)
			return nil
		},
	}
	cmd.Flags().BoolVar(&trainIfMissing, "train-if-missing", false, "train on startup when no saved model exists")
	return cmd
}

func startServer(f *factory.Factory, server *http.Server) {
	var challengeServer *http.Server
	if tm := f.TLSManager(); tm != nil && tm.ChallengeHandler() != nil {
		challengeServer = &http.Server{
			Addr:              ":80",
			Handler:           tm.ChallengeHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			util.Info("Starting ACME challenge server on port 80")
			if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				util.Error("ACME challenge server failed", util.ErrorField(err))
			}
		}()
	}

	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", f.Config().Environment),
		util.Bool("tls_enabled", server.TLSConfig != nil),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, server, challengeServer)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed")
			}
		}
	}
	f.Close()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
