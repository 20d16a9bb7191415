package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/avaldes/ohmtutor/internal/chat"
	"github.com/avaldes/ohmtutor/internal/handler"
	appI18n "github.com/avaldes/ohmtutor/internal/i18n"
	"github.com/avaldes/ohmtutor/internal/llm"
	"github.com/avaldes/ohmtutor/internal/model"
	"github.com/avaldes/ohmtutor/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ohmtutor",
		Short: "Socratic circuit tutor backed by local LLMs",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `ohmtutor --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP tutoring server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":3000", "HTTP listen address")
	f.String("db", "ohmtutor.db", "SQLite database path")
	f.StringSliceP("exercises", "e", nil, "Paths to exercise JSON files to import at startup (repeatable)")
	f.String("llm-local-url", "http://localhost:11434", "Ollama base URL for the local endpoint")
	f.String("llm-local-model", "llama3.2", "Model name for the local endpoint")
	f.String("llm-remote-url", "", "Ollama base URL for the remote endpoint (empty to disable)")
	f.String("llm-remote-model", "", "Model name for the remote endpoint")
	f.String("llm-default", "local", "Endpoint used when a turn names no target (local, remote)")
	f.String("llm-key", "ollama", "API key sent to the classifier endpoint")
	f.String("classifier-url", "http://localhost:11434/v1", "OpenAI-compatible base URL for the conception classifier")
	f.String("classifier-model", "llama3.2", "Model name for the conception classifier")
	f.Int("num-predict", 512, "Token generation ceiling per tutor reply")
	f.Int("num-ctx", 4096, "Model context window size")
	f.Float64("temperature", 0.3, "Sampling temperature for tutor replies")
	f.String("keep-alive", "10m", "How long the model stays loaded between turns")
	f.Duration("stream-timeout", 2*time.Minute, "Ceiling on a single streamed generation")
	f.Duration("ping-interval", model.DefaultPingInterval, "SSE heartbeat interval")
	f.Int("history-turns", chat.DefaultHistoryTurns, "Transcript turns sent upstream per generation")
	f.Bool("demo-auth", false, "Allow passwordless demo student logins")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("static-dir", "", "Directory served under /static (empty to disable)")
	f.StringP("lang", "l", "es", "Message language (es, en)")
	f.String("admin-password", "", "Initial admin password (or set OHMTUTOR_ADMIN_PASSWORD)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import exercise JSON files into the database",
		RunE:  runSeed,
	}
	f := cmd.Flags()
	f.String("db", "ohmtutor.db", "SQLite database path")
	f.StringSliceP("exercises", "e", nil, "Paths to exercise JSON files (repeatable, required)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("exercises")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OHMTUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("ohmtutor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/ohmtutor")
	v.AddConfigPath("/etc/ohmtutor")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Seed default admin user if no users exist.
	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if err := loadExercises(db, v.GetStringSlice("exercises")); err != nil {
		return fmt.Errorf("load exercises: %w", err)
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	gateway, err := llm.NewGateway(gatewayConfig(v), slog.Default())
	if err != nil {
		return fmt.Errorf("create LLM gateway: %w", err)
	}
	// One-token generation so the model is already resident when the
	// first student turn arrives. Best effort.
	warmupCtx, cancelWarmup := context.WithTimeout(context.Background(), time.Minute)
	if err := gateway.Warmup(warmupCtx, ""); err != nil {
		slog.Warn("model warmup failed",
			"url", v.GetString("llm-local-url"), "error", err)
	} else {
		slog.Info("model warmed up",
			"url", v.GetString("llm-local-url"), "model", v.GetString("llm-local-model"))
	}
	cancelWarmup()

	classifier, err := llm.NewClassifier(
		v.GetString("classifier-url"),
		v.GetString("llm-key"),
		v.GetString("classifier-model"),
		slog.Default(),
	)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	// The classifier is best effort end to end, so a dead endpoint at boot
	// is a warning rather than a startup failure.
	if err := classifier.Ping(context.Background()); err != nil {
		slog.Warn("classifier endpoint unreachable, results will carry AC_UNK",
			"url", v.GetString("classifier-url"), "error", err)
	} else {
		slog.Info("classifier endpoint OK",
			"url", v.GetString("classifier-url"), "model", v.GetString("classifier-model"))
	}

	appCfg := model.AppConfig{
		DemoAuth:      v.GetBool("demo-auth"),
		SecureCookies: v.GetBool("secure-cookies"),
		HistoryTurns:  v.GetInt("history-turns"),
		StaticDir:     v.GetString("static-dir"),
		PingInterval:  v.GetDuration("ping-interval"),
	}

	// Expired auth sessions are also purged lazily on lookup; the sweep
	// keeps the table from growing unbounded between logins.
	go func() {
		for range time.Tick(time.Hour) {
			if err := db.CleanupExpiredSessions(); err != nil {
				slog.Warn("session cleanup failed", "error", err)
			}
		}
	}()

	orchestrator := chat.New(db, db, gateway, appCfg.HistoryTurns, slog.Default())
	h := handler.New(db, orchestrator, classifier, appCfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"local_model", v.GetString("llm-local-model"),
		"local_url", v.GetString("llm-local-url"),
		"default_target", v.GetString("llm-default"),
		"lang", lang,
		"demo_auth", appCfg.DemoAuth,
		"history_turns", appCfg.HistoryTurns,
	)
	return http.ListenAndServe(addr, r)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadExercises(db, v.GetStringSlice("exercises"))
}

// gatewayConfig assembles the streaming endpoints from flags. The remote
// endpoint is only registered when a URL is configured for it.
func gatewayConfig(v *viper.Viper) llm.Config {
	base := llm.Endpoint{
		NumPredict:  v.GetInt("num-predict"),
		NumCtx:      v.GetInt("num-ctx"),
		Temperature: v.GetFloat64("temperature"),
		KeepAlive:   v.GetString("keep-alive"),
	}

	local := base
	local.BaseURL = v.GetString("llm-local-url")
	local.Model = v.GetString("llm-local-model")

	endpoints := map[string]llm.Endpoint{"local": local}
	if remoteURL := v.GetString("llm-remote-url"); remoteURL != "" {
		remote := base
		remote.BaseURL = remoteURL
		remote.Model = v.GetString("llm-remote-model")
		endpoints["remote"] = remote
	}

	return llm.Config{
		Endpoints:     endpoints,
		Default:       v.GetString("llm-default"),
		StreamTimeout: v.GetDuration("stream-timeout"),
	}
}

// loadExercises imports exercise JSON files, skipping any file whose content
// hash was already imported so restarts do not duplicate rows.
func loadExercises(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("exercise file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("exercise file changed since last import, skipping to avoid breaking existing interactions",
				"path", path)
			continue
		}

		var exercises []model.Exercise
		if err := json.Unmarshal(data, &exercises); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, ex := range exercises {
			if _, err := db.CreateExercise(ex); err != nil {
				return fmt.Errorf("insert exercise from %s: %w", path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported exercises", "path", path, "count", len(exercises))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or OHMTUTOR_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(model.User{
		Login:        "admin",
		Name:         "Administrador",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "login", "admin")
	return nil
}
