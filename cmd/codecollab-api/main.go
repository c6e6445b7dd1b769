package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/codecollab/internal/assistant"
	"github.com/MarcoPoloResearchLab/codecollab/internal/auth"
	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
	"github.com/MarcoPoloResearchLab/codecollab/internal/config"
	"github.com/MarcoPoloResearchLab/codecollab/internal/database"
	"github.com/MarcoPoloResearchLab/codecollab/internal/execution"
	"github.com/MarcoPoloResearchLab/codecollab/internal/history"
	"github.com/MarcoPoloResearchLab/codecollab/internal/logging"
	"github.com/MarcoPoloResearchLab/codecollab/internal/metrics"
	"github.com/MarcoPoloResearchLab/codecollab/internal/relay"
	"github.com/MarcoPoloResearchLab/codecollab/internal/server"
	"github.com/MarcoPoloResearchLab/codecollab/internal/users"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codecollab-api",
		Short: "Collaborative coding session backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address; empty keeps sessions in memory")
	cmd.PersistentFlags().String("sweep-schedule", defaults.GetString("session.sweep_schedule"), "Cron schedule for the idle session sweep")
	cmd.PersistentFlags().Duration("idle-ttl", defaults.GetDuration("session.idle_ttl"), "Idle time before a session is removed")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "session.sweep_schedule", "sweep-schedule")
	bindFlag(cmd, "session.idle_ttl", "idle-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newIssueTokenCommand mints a session token for local testing and scripts.
func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		roles       string
		professorID string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			var roleList []string
			for _, role := range strings.Split(roles, ",") {
				if trimmed := strings.TrimSpace(role); trimmed != "" {
					roleList = append(roleList, trimmed)
				}
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.Identity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
				Roles:       roleList,
				ProfessorID: professorID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User identifier (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().StringVar(&roles, "roles", "student", "Comma separated roles")
	cmd.Flags().StringVar(&professorID, "professor-id", "", "Assigned professor for students")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	archive, err := history.NewStore(history.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	registry := metrics.New()
	hub := relay.NewHub(relay.HubConfig{
		BufferSize: appConfig.RelayBufferSize,
		Logger:     logger,
		Metrics:    registry,
	})

	var (
		repository collab.SessionRepository = collab.NewMemoryRepository()
		publisher  collab.Publisher         = hub
	)
	if appConfig.RedisEnabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		defer redisClient.Close()

		redisRepository, err := collab.NewRedisRepository(&collab.RedisRepositoryConfig{Client: redisClient})
		if err != nil {
			return err
		}
		bridge, err := relay.NewRedisBridge(relay.RedisBridgeConfig{
			Client:     redisClient,
			Hub:        hub,
			InstanceID: uuid.NewString(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := bridge.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay bridge stopped", zap.Error(err))
			}
		}()
		repository = redisRepository
		publisher = bridge
		logger.Info("sharing sessions through redis", zap.String("address", appConfig.RedisAddress))
	}

	palette := appConfig.SessionPalette
	if len(palette) == 0 {
		palette = collab.DefaultPalette
	}
	colors, err := collab.NewColorAssigner(palette, collab.ColorPolicy(appConfig.SessionColorPolicy))
	if err != nil {
		return err
	}

	sessions, err := collab.NewService(collab.ServiceConfig{
		Repository:        repository,
		Publisher:         publisher,
		Colors:            colors,
		IDProvider:        collab.NewUUIDProvider(),
		Archiver:          archive,
		Logger:            logger,
		Metrics:           registry,
		DefaultPermission: collab.Permission(appConfig.SessionDefaultPermission),
		MaxMessageLength:  appConfig.SessionMaxMessageLength,
		IdleTTL:           appConfig.SessionIdleTTL,
		ReapExemptActive:  appConfig.SessionReapExemptActive,
	})
	if err != nil {
		return err
	}
	registry.TrackActiveSessions(func() float64 {
		count, countErr := sessions.CountSessions(context.Background())
		if countErr != nil {
			return 0
		}
		return float64(count)
	})

	reaper, err := collab.NewReaper(collab.ReaperConfig{
		Service:  sessions,
		Schedule: appConfig.SessionSweepSchedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	reaper.Start(signalCtx)
	defer reaper.Stop()

	executor := execution.NewSubprocessExecutor(execution.SubprocessExecutorConfig{
		PythonPath: appConfig.ExecPythonPath,
		NodePath:   appConfig.ExecNodePath,
		Timeout:    appConfig.ExecTimeout,
		Logger:     logger,
		Metrics:    registry,
	})

	var generator assistant.ContentGenerator
	if appConfig.AssistantEnabled() {
		gemini, err := assistant.NewGeminiGenerator(signalCtx, assistant.GeminiConfig{
			APIKey: appConfig.AIAPIKey,
			Model:  appConfig.AIModel,
		})
		if err != nil {
			return err
		}
		generator = gemini
	} else {
		logger.Info("assistant disabled; ai.api_key is not set")
	}
	assistantService := assistant.NewService(assistant.ServiceConfig{
		Generator: generator,
		Timeout:   appConfig.AITimeout,
		Logger:    logger,
		Metrics:   registry,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Profiles:       profiles,
		Sessions:       sessions,
		Relay:          hub,
		Executor:       executor,
		Assistant:      assistantService,
		History:        archive,
		Metrics:        registry,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
