package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openloop-hr/FeedbackLoop/internal/bot"
	"github.com/openloop-hr/FeedbackLoop/internal/cycle"
	"github.com/openloop-hr/FeedbackLoop/internal/directory"
	"github.com/openloop-hr/FeedbackLoop/internal/flow"
	"github.com/openloop-hr/FeedbackLoop/internal/questionnaire"
	"github.com/openloop-hr/FeedbackLoop/internal/report"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
	"github.com/openloop-hr/FeedbackLoop/internal/telegram"
)

// Default configuration constants
const (
	// DefaultRedisAddr is the default Redis endpoint.
	DefaultRedisAddr = "localhost:6379"
	// DefaultCredentialsFile is the default Google service account key path.
	DefaultCredentialsFile = "credentials.json"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping FeedbackLoop with configured modules")
	if err := run(flags); err != nil {
		slog.Error("FeedbackLoop failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FeedbackLoop exited successfully")
}

// Config holds environment configuration
type Config struct {
	BotToken        string
	RedisAddr       string
	RedisPassword   string
	RedisDB         string
	CredentialsFile string
	SpreadsheetID   string
	OpenAIKey       string
	AdminChatIDs    string
	MaxActiveCycles string
	SessionTTL      string
}

// Flags holds command line flag values
type Flags struct {
	botToken        *string
	redisAddr       *string
	redisPassword   *string
	redisDB         *string
	credentialsFile *string
	spreadsheetID   *string
	openaiKey       *string
	adminChatIDs    *string
	maxActiveCycles *string
	sessionTTL      *string
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
		BotToken:        os.Getenv("TELEGRAM_BOT_TOKEN"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         os.Getenv("REDIS_DB"),
		CredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		SpreadsheetID:   os.Getenv("SPREADSHEET_ID"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		AdminChatIDs:    os.Getenv("ADMIN_CHAT_IDS"),
		MaxActiveCycles: os.Getenv("MAX_ACTIVE_CYCLES"),
		SessionTTL:      os.Getenv("SESSION_TTL"),
	}

	if config.RedisAddr == "" {
		config.RedisAddr = DefaultRedisAddr
		slog.Debug("No REDIS_ADDR set, using default", "redis_addr", config.RedisAddr)
	}
	if config.CredentialsFile == "" {
		config.CredentialsFile = DefaultCredentialsFile
		slog.Debug("No GOOGLE_CREDENTIALS_FILE set, using default", "credentials_file", config.CredentialsFile)
	}

	slog.Debug("environment variables loaded",
		"TELEGRAM_BOT_TOKEN_SET", config.BotToken != "",
		"REDIS_ADDR", config.RedisAddr,
		"REDIS_DB", config.RedisDB,
		"GOOGLE_CREDENTIALS_FILE", config.CredentialsFile,
		"SPREADSHEET_ID_SET", config.SpreadsheetID != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ADMIN_CHAT_IDS_SET", config.AdminChatIDs != "",
		"MAX_ACTIVE_CYCLES", config.MaxActiveCycles,
		"SESSION_TTL", config.SessionTTL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		botToken:        flag.String("bot-token", config.BotToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		redisAddr:       flag.String("redis-addr", config.RedisAddr, "Redis address (overrides $REDIS_ADDR)"),
		redisPassword:   flag.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:         flag.String("redis-db", config.RedisDB, "Redis database number (overrides $REDIS_DB)"),
		credentialsFile: flag.String("credentials-file", config.CredentialsFile, "Google service account key file (overrides $GOOGLE_CREDENTIALS_FILE)"),
		spreadsheetID:   flag.String("spreadsheet-id", config.SpreadsheetID, "Google Sheets spreadsheet id (overrides $SPREADSHEET_ID)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for reports (overrides $OPENAI_API_KEY)"),
		adminChatIDs:    flag.String("admin-chat-ids", config.AdminChatIDs, "comma-separated admin chat ids (overrides $ADMIN_CHAT_IDS)"),
		maxActiveCycles: flag.String("max-active-cycles", config.MaxActiveCycles, "active cycle ceiling (overrides $MAX_ACTIVE_CYCLES)"),
		sessionTTL:      flag.String("session-ttl", config.SessionTTL, "conversation session TTL, e.g. 24h (overrides $SESSION_TTL)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"botToken_set", *flags.botToken != "",
		"redisAddr", *flags.redisAddr,
		"credentialsFile", *flags.credentialsFile,
		"spreadsheetID_set", *flags.spreadsheetID != "",
		"openaiKeySet", *flags.openaiKey != "",
		"adminChatIDs_set", *flags.adminChatIDs != "",
		"maxActiveCycles", *flags.maxActiveCycles,
		"sessionTTL", *flags.sessionTTL)

	return flags
}

// parseAdminChatIDs splits the comma-separated admin list, skipping garbage.
func parseAdminChatIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			slog.Warn("Ignoring malformed admin chat id", "value", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// run wires every module and polls until interrupted.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeOpts := []store.Option{store.WithAddr(*flags.redisAddr)}
	if *flags.redisPassword != "" {
		storeOpts = append(storeOpts, store.WithPassword(*flags.redisPassword))
	}
	if *flags.redisDB != "" {
		db, err := strconv.Atoi(*flags.redisDB)
		if err != nil {
			slog.Warn("Ignoring malformed REDIS_DB", "value", *flags.redisDB)
		} else {
			storeOpts = append(storeOpts, store.WithDB(db))
		}
	}
	kv, err := store.NewRedisStore(ctx, storeOpts...)
	if err != nil {
		return err
	}
	defer kv.Close()

	sheet, err := sheets.NewGoogleClient(*flags.credentialsFile,
		sheets.WithSpreadsheetID(*flags.spreadsheetID))
	if err != nil {
		return err
	}

	dir := directory.NewService(sheet, kv)
	if err := dir.Load(ctx); err != nil {
		return err
	}
	questions := questionnaire.NewService(sheet, kv)

	transport, err := telegram.NewClient(*flags.botToken)
	if err != nil {
		return err
	}

	adminIDs := parseAdminChatIDs(*flags.adminChatIDs)
	if len(adminIDs) == 0 {
		slog.Warn("No admin chat ids configured; cycle management commands are disabled")
	}

	orch := cycle.NewOrchestrator(kv, sheet, dir, questions, transport,
		cycle.WithAdminChatIDs(adminIDs))

	var stateOpts []flow.StateManagerOption
	if *flags.sessionTTL != "" {
		ttl, err := time.ParseDuration(*flags.sessionTTL)
		if err != nil {
			slog.Warn("Ignoring malformed SESSION_TTL", "value", *flags.sessionTTL)
		} else {
			stateOpts = append(stateOpts, flow.WithSessionTTL(ttl))
		}
	}
	states := flow.NewStoreBasedStateManager(kv, stateOpts...)

	var wizardOpts []flow.WizardOption
	if *flags.maxActiveCycles != "" {
		n, err := strconv.Atoi(*flags.maxActiveCycles)
		if err != nil {
			slog.Warn("Ignoring malformed MAX_ACTIVE_CYCLES", "value", *flags.maxActiveCycles)
		} else {
			wizardOpts = append(wizardOpts, flow.WithMaxActiveCycles(n))
		}
	}
	wizard := flow.NewWizard(states, dir, orch, transport, wizardOpts...)
	survey := flow.NewSurvey(states, orch, questions, dir, transport)

	dispOpts := []bot.Option{bot.WithAdminChatIDs(adminIDs)}
	if *flags.openaiKey != "" {
		summarizer, err := report.NewSummarizer(sheet, report.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		dispOpts = append(dispOpts, bot.WithReporter(summarizer))
	} else {
		slog.Warn("No OpenAI API key configured; report generation is disabled")
	}

	dispatcher := bot.NewDispatcher(transport, dir, orch, questions, wizard, survey, dispOpts...)
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
