package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chatpipe/chatpipe/internal/bot"
	"github.com/chatpipe/chatpipe/internal/chat"
	"github.com/chatpipe/chatpipe/internal/genai"
	"github.com/chatpipe/chatpipe/internal/kandinsky"
	"github.com/chatpipe/chatpipe/internal/lockfile"
	"github.com/chatpipe/chatpipe/internal/modes"
	"github.com/chatpipe/chatpipe/internal/store"
	"github.com/chatpipe/chatpipe/internal/telegram"
	"github.com/chatpipe/chatpipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for chatpipe state data
	DefaultStateDir = "/var/lib/chatpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatpipe.db"
	// DefaultDialogTimeoutSeconds is the dialog inactivity window
	DefaultDialogTimeoutSeconds = 600
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping chatpipe")
	if err := run(flags); err != nil {
		slog.Error("chatpipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("chatpipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	TelegramToken    string
	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAIModel      string
	DatabaseURL      string
	StateDir         string
	ModesFile        string
	AllowedUsernames string
	DialogTimeout    string
	Streaming        bool
	FusionBrainToken string
}

// Flags holds command line flag values
type Flags struct {
	telegramToken    *string
	openaiKey        *string
	openaiBaseURL    *string
	openaiModel      *string
	dbDSN            *string
	stateDir         *string
	modesFile        *string
	allowedUsernames *string
	dialogTimeout    *int
	streaming        *bool
	fusionBrainToken *string
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
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("CHATPIPE_STATE_DIR"),
		ModesFile:        os.Getenv("CHAT_MODES_FILE"),
		AllowedUsernames: os.Getenv("ALLOWED_USERNAMES"),
		DialogTimeout:    os.Getenv("DIALOG_TIMEOUT"),
		Streaming:        util.ParseBoolEnv("STREAMING", true),
		FusionBrainToken: os.Getenv("FUSION_BRAIN_TOKEN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHATPIPE_STATE_DIR", config.StateDir,
		"CHAT_MODES_FILE", config.ModesFile,
		"ALLOWED_USERNAMES_SET", config.AllowedUsernames != "",
		"DIALOG_TIMEOUT", config.DialogTimeout,
		"STREAMING", config.Streaming,
		"FUSION_BRAIN_TOKEN_SET", config.FusionBrainToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		telegramToken:    flag.String("telegram-token", config.TelegramToken, "Telegram bot token (overrides $TELEGRAM_BOT_TOKEN)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBaseURL:    flag.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible API endpoint (overrides $OPENAI_BASE_URL)"),
		openaiModel:      flag.String("openai-model", config.OpenAIModel, "chat model name (overrides $OPENAI_MODEL)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite file path or postgres:// URL (overrides $DATABASE_URL)"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for chatpipe data (overrides $CHATPIPE_STATE_DIR)"),
		modesFile:        flag.String("modes-file", config.ModesFile, "YAML file with chat mode definitions (overrides $CHAT_MODES_FILE)"),
		allowedUsernames: flag.String("allowed-usernames", config.AllowedUsernames, "comma-separated usernames allowed to use the bot, empty allows everyone (overrides $ALLOWED_USERNAMES)"),
		dialogTimeout:    flag.Int("dialog-timeout", parseTimeoutSeconds(config.DialogTimeout), "dialog inactivity timeout in seconds, 0 disables (overrides $DIALOG_TIMEOUT)"),
		streaming:        flag.Bool("streaming", config.Streaming, "stream answers into the chat message as they are generated (overrides $STREAMING)"),
		fusionBrainToken: flag.String("fusion-brain-token", config.FusionBrainToken, "FusionBrain API token for image generation (overrides $FUSION_BRAIN_TOKEN)"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSN was defaulted.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"telegramTokenSet", *flags.telegramToken != "",
		"openaiKeySet", *flags.openaiKey != "",
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"modesFile", *flags.modesFile,
		"dialogTimeout", *flags.dialogTimeout,
		"streaming", *flags.streaming)

	return flags
}

// parseTimeoutSeconds parses the timeout env value, falling back to the
// default for empty or invalid input.
func parseTimeoutSeconds(value string) int {
	if value == "" {
		return DefaultDialogTimeoutSeconds
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		slog.Warn("Invalid DIALOG_TIMEOUT value, using default", "value", value, "default", DefaultDialogTimeoutSeconds)
		return DefaultDialogTimeoutSeconds
	}
	return n
}

// parseAllowedUsernames splits the comma-separated allow list, dropping
// blanks and a leading "@".
func parseAllowedUsernames(value string) []string {
	var out []string
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore opens the store backend matching the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring Postgres store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildModes loads the mode registry from the configured file or the
// built-in defaults.
func buildModes(flags Flags) (*modes.Registry, error) {
	if *flags.modesFile != "" {
		return modes.Load(*flags.modesFile)
	}
	return modes.Default(), nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(*flags.openaiKey),
		genai.WithStreaming(*flags.streaming),
	}
	if *flags.openaiBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	return opts
}

// buildDispatcherOptions constructs dispatcher configuration options
func buildDispatcherOptions(flags Flags) ([]bot.Option, error) {
	opts := []bot.Option{
		bot.WithDialogTimeout(time.Duration(*flags.dialogTimeout) * time.Second),
	}
	if names := parseAllowedUsernames(*flags.allowedUsernames); len(names) > 0 {
		opts = append(opts, bot.WithAllowedUsernames(names))
	}
	if *flags.fusionBrainToken != "" {
		images, err := kandinsky.NewClient(kandinsky.WithAuthToken(*flags.fusionBrainToken))
		if err != nil {
			return nil, err
		}
		opts = append(opts, bot.WithImageGenerator(images))
	}
	return opts, nil
}

// botCommands is the command menu published to the chat client.
func botCommands() []telegram.Command {
	return []telegram.Command{
		{Name: "new", Description: "Start new dialog"},
		{Name: "mode", Description: "Select chat mode"},
		{Name: "retry", Description: "Regenerate last bot answer"},
		{Name: "help", Description: "Show help"},
	}
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	// A second instance polling the same bot token would split updates.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := buildModes(flags)
	if err != nil {
		return err
	}

	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}
	engine := chat.NewEngine(client)

	svc, err := telegram.NewService(telegram.WithToken(*flags.telegramToken))
	if err != nil {
		return err
	}

	dispatcherOpts, err := buildDispatcherOptions(flags)
	if err != nil {
		return err
	}
	dispatcher := bot.New(svc, st, engine, registry, dispatcherOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)
	if err := svc.SetCommands(ctx, botCommands()); err != nil {
		slog.Warn("Failed to publish bot command menu", "error", err)
	}

	dispatcher.Run(ctx, svc.Events())
	return nil
}
