package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajharris/AlphaTest/internal/api"
	"github.com/ajharris/AlphaTest/internal/daemon"
	"github.com/ajharris/AlphaTest/internal/github"
	"github.com/ajharris/AlphaTest/internal/intake"
	"github.com/ajharris/AlphaTest/internal/ratelimit"
	"github.com/ajharris/AlphaTest/internal/session"
	webui "github.com/ajharris/AlphaTest/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server in the foreground",
	Long: `Run the AlphaTest HTTP server: the bug report API, GitHub sign-in,
and the embedded web UI. By default it listens on port 5000.

Use 'alphatest serve start' to run it in the background instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 5000, "port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.PersistentFlags().Lookup("port"))
	serveCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	_ = viper.BindPFlag("log.format", serveCmd.PersistentFlags().Lookup("log-format"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "alphatest-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "alphatest-serve.log")
}

// newLogger builds the process logger from log.format and log.level.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log.format"), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// redirectURL returns github.redirect_url, or the callback under
// server.public_url when unset.
func redirectURL() string {
	if u := viper.GetString("github.redirect_url"); u != "" {
		return u
	}
	return strings.TrimRight(viper.GetString("server.public_url"), "/") + "/github/callback"
}

// buildHandler wires the store, intake pipeline, GitHub client and
// sessions into the API router.
func buildHandler(logger *slog.Logger) (http.Handler, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	window := viper.GetDuration("ratelimit.window")
	limiter := ratelimit.New(ratelimit.NewMemoryStore(window),
		ratelimit.WithWindow(window),
		ratelimit.WithCapacity(viper.GetInt("ratelimit.max_submissions")),
	)
	guard := intake.NewGuard(viper.GetString("upload_dir"),
		intake.WithMaxBytes(viper.GetInt64("upload.max_bytes")),
		intake.WithExtensions(viper.GetStringSlice("upload.allowed_extensions")...),
	)
	logger.Info("attachment storage", "dir", guard.Dir(), "max_bytes", guard.MaxBytes())
	pipeline := intake.New(limiter, guard, s, intake.WithLogger(logger))

	if viper.GetString("github.client_id") == "" {
		logger.Warn("github.client_id is not set; GitHub sign-in will fail")
	}
	gh := github.NewClient(github.Config{
		ClientID:     viper.GetString("github.client_id"),
		ClientSecret: viper.GetString("github.client_secret"),
		RedirectURL:  redirectURL(),
		APIURL:       viper.GetString("github.api_url"),
	})

	secret := viper.GetString("session.secret")
	if secret == "" {
		logger.Warn("session.secret is not set; sessions will not survive a restart")
	}
	sm, err := session.NewManager(secret, session.WithSecure(viper.GetBool("session.secure")))
	if err != nil {
		return nil, err
	}

	spa, err := webui.Handler()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize UI handler: %w", err)
	}

	srv := api.NewServer(s, pipeline, gh, sm, api.Options{
		TrustProxy:         viper.GetBool("server.trust_proxy"),
		ExposeErrors:       viper.GetBool("server.expose_errors"),
		MaxAttachmentBytes: guard.MaxBytes(),
		RateLimitCapacity:  limiter.Capacity(),
		UI:                 spa,
		Logger:             logger,
	})
	return srv.Router(), nil
}

func serveRun(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Remove() }()

	handler, err := buildHandler(logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", viper.GetInt("server.port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("server.shutdown_timeout"))
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if dataStore != nil {
		_ = dataStore.Close()
	}
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start server on port %d", viper.GetInt("server.port"))
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("server.port"))}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	ui.Success("Server started (pid %d) on port %d", pid, viper.GetInt("server.port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	if dryRun {
		ui.DryRunMsg("Would stop server")
		return nil
	}
	err := pidFile().Stop(viper.GetDuration("server.shutdown_timeout") + 5*time.Second)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("server not running")
	}
	if err != nil {
		return err
	}
	ui.Success("Server stopped")
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("Server not running")
		return nil
	}
	ui.Success("Server running (pid %d)", pid)
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
