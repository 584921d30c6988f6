package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowssist/flowssist/internal/api"
	"github.com/flowssist/flowssist/internal/catalog"
	"github.com/flowssist/flowssist/internal/conversation"
	"github.com/flowssist/flowssist/internal/engine"
	"github.com/flowssist/flowssist/internal/genai"
	"github.com/flowssist/flowssist/internal/lockfile"
	"github.com/flowssist/flowssist/internal/messaging"
	"github.com/flowssist/flowssist/internal/scheduler"
	"github.com/flowssist/flowssist/internal/store"
	"github.com/flowssist/flowssist/internal/twiliowhatsapp"
	"github.com/flowssist/flowssist/internal/util"
	"github.com/flowssist/flowssist/internal/whatsapp"
	"github.com/flowssist/flowssist/internal/window"
	"github.com/flowssist/flowssist/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for flowssist state data
	DefaultStateDir = "/var/lib/flowssist"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowssist.db"
	// DefaultTenantID is the tenant bound to the connected channel when none
	// is configured
	DefaultTenantID = "default"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil {
		slog.Error("flowssist failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("flowssist exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	WhatsAppDSN      string
	StateDir         string
	OpenAIKey        string
	APIAddr          string
	TenantID         string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	ReengageTemplate string
	WindowDuration   time.Duration
	ReengageGrace    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	dbDSN            *string
	whatsappDSN      *string
	openaiKey        *string
	apiAddr          *string
	tenantID         *string
	reengageTemplate *string
	windowDuration   time.Duration
	reengageGrace    time.Duration
	useTwilio        bool
	twilioSID        string
	twilioToken      string
	twilioFrom       string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:         os.Getenv("FLOWSSIST_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		TenantID:         os.Getenv("TENANT_ID"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		ReengageTemplate: os.Getenv("REENGAGE_TEMPLATE"),
		WindowDuration:   util.ParseDurationEnv("WINDOW_DURATION", window.DefaultWindowDuration),
		ReengageGrace:    util.ParseDurationEnv("REENGAGE_GRACE", window.DefaultReengageGrace),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWSSIST_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.TenantID == "" {
		config.TenantID = DefaultTenantID
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"FLOWSSIST_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TENANT_ID", config.TenantID,
		"TWILIO_CONFIGURED", config.TwilioSID != "",
		"WINDOW_DURATION", config.WindowDuration,
		"REENGAGE_GRACE", config.ReengageGrace)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:         flag.String("qr-output", "", "path to write login QR code"),
		numeric:          flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for flowssist data (overrides $FLOWSSIST_STATE_DIR)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN for the flowssist store (overrides $DATABASE_URL)"),
		whatsappDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tenantID:         flag.String("tenant-id", config.TenantID, "tenant bound to the connected channel (overrides $TENANT_ID)"),
		reengageTemplate: flag.String("reengage-template", config.ReengageTemplate, "approved template name for re-engagement (overrides $REENGAGE_TEMPLATE)"),
		windowDuration:   config.WindowDuration,
		reengageGrace:    config.ReengageGrace,
		twilioSID:        config.TwilioSID,
		twilioToken:      config.TwilioToken,
		twilioFrom:       config.TwilioFrom,
	}

	flag.Parse()

	flags.useTwilio = flags.twilioSID != "" && flags.twilioToken != "" && flags.twilioFrom != ""

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"tenantID", *flags.tenantID,
		"useTwilio", flags.useTwilio)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// openStore opens the persistent store matching the DSN type.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildClassifier returns the OpenAI classifier when a key is configured, and
// an always-erroring stand-in otherwise. The interpreter degrades gracefully
// on classifier errors, so AI-free deployments still run.
func buildClassifier(flags Flags) engine.Classifier {
	if *flags.openaiKey == "" {
		slog.Warn("No OpenAI API key configured; AI intent routing and conditions are disabled")
		return disabledClassifier{}
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("Failed to create OpenAI client; AI features disabled", "error", err)
		return disabledClassifier{}
	}
	return client
}

type disabledClassifier struct{}

func (disabledClassifier) ClassifyIntent(ctx context.Context, text string, candidates []engine.IntentCandidate) (string, error) {
	return "", errors.New("classifier not configured")
}

func (disabledClassifier) EvaluateCondition(ctx context.Context, prompt string, vars map[string]string, outcomes []string) (string, error) {
	return "", errors.New("classifier not configured")
}

// buildMessagingService wires the channel adapter: Twilio when credentials are
// configured, the whatsmeow client otherwise.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	if flags.useTwilio {
		slog.Info("Using Twilio WhatsApp channel")
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(flags.twilioSID),
			twiliowhatsapp.WithAuthToken(flags.twilioToken),
			twiliowhatsapp.WithFromWhats(flags.twilioFrom),
		)
		if err != nil {
			return nil, nil, err
		}
		contentSIDs := map[string]string{}
		if *flags.reengageTemplate != "" {
			contentSIDs["reengage_default"] = *flags.reengageTemplate
		}
		svc := messaging.NewTwilioService(client, contentSIDs)
		return svc, svc, nil
	}

	slog.Info("Using whatsmeow WhatsApp channel")
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	templates := map[string]string{
		"reengage_default": "You have updates waiting. Reply here when you are ready to continue.",
	}
	return messaging.NewWhatsAppService(client, templates), nil, nil
}

// run wires all modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, twilioService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	registry := workflow.NewRegistry(st)
	interp := engine.NewInterpreter(buildClassifier(flags), catalog.NewService(st))
	governor := window.NewGovernor(st, st, msgService,
		window.WithWindowDuration(flags.windowDuration),
		window.WithReengageGrace(flags.reengageGrace))

	// The scheduler and orchestrator reference each other through narrow
	// interfaces; build the scheduler last so the orchestrator exists first.
	var sched *scheduler.Scheduler
	orch := conversation.NewOrchestrator(st, registry, interp, governor, timerFunc{
		arm:    func(sessionID, conversationID string, after time.Duration) error { return sched.ArmTimeout(sessionID, conversationID, after) },
		cancel: func(conversationID string) error { return sched.CancelTimeout(conversationID) },
	})
	sched = scheduler.NewScheduler(st, orch, governor)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	respHandler := messaging.NewResponseHandler(msgService, orch, *flags.tenantID)
	go respHandler.Start(ctx)

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioService != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioService.TwilioWebhookHandler))
	}
	server := api.NewServer(orch, registry, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	slog.Info("flowssist running", "tenantID", *flags.tenantID)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}

// timerFunc adapts late-bound scheduler methods to the orchestrator's
// TimerScheduler interface.
type timerFunc struct {
	arm    func(sessionID, conversationID string, after time.Duration) error
	cancel func(conversationID string) error
}

func (t timerFunc) ArmTimeout(sessionID, conversationID string, after time.Duration) error {
	return t.arm(sessionID, conversationID, after)
}

func (t timerFunc) CancelTimeout(conversationID string) error {
	return t.cancel(conversationID)
}

var _ conversation.TimerScheduler = timerFunc{}
