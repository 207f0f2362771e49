package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pathwarden/pathwarden/internal/api"
	"github.com/pathwarden/pathwarden/internal/audit"
	"github.com/pathwarden/pathwarden/internal/auth"
	"github.com/pathwarden/pathwarden/internal/config"
	"github.com/pathwarden/pathwarden/internal/detect"
	"github.com/pathwarden/pathwarden/internal/effector"
	"github.com/pathwarden/pathwarden/internal/graph"
	"github.com/pathwarden/pathwarden/internal/ingest"
	"github.com/pathwarden/pathwarden/internal/respond"
	"github.com/pathwarden/pathwarden/internal/storage"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pathwarden",
		Short: "Cloud identity attack-path detection and response",
		Long:  "PathWarden — map the identity graph, find privilege escalation paths, contain them.",
	}

	var configFile string
	var port int
	var mockMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the PathWarden server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, mockMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: pathwarden.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 5000)")
	startCmd.Flags().BoolVar(&mockMode, "mock", false, "Mock mode: deterministic sample dataset, no AWS calls")

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default: 5000)")

	// ─── scan ───
	var token string
	var startNode string
	var minDelta int
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Trigger a detection scan on the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(port, token, startNode, minDelta)
		},
	}
	scanCmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default: 5000)")
	scanCmd.Flags().StringVar(&token, "token", "", "Bearer token (default: $PATHWARDEN_TOKEN)")
	scanCmd.Flags().StringVar(&startNode, "start-node", "", "Restrict the scan to one source node")
	scanCmd.Flags().IntVar(&minDelta, "min-delta", 0, "Override the minimum privilege delta")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PathWarden %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(startCmd, statusCmd, scanCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, mockMode bool) error {
	// Load config
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfgLoader.LoadEnv()
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if mockMode {
		cfg.Ingest.UseMockData = true
	}

	// Setup logger
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	// The signing secret is mandatory outside mock mode; mock mode generates
	// an ephemeral one so tokens die with the process.
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		if !cfg.Ingest.UseMockData {
			return fmt.Errorf("JWT_SECRET is required when mock data is disabled")
		}
		secret = ephemeralSecret()
		logger.Warn("JWT_SECRET not set, using an ephemeral secret; tokens will not survive a restart")
	}

	// Durable state
	dir, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data dir: %w", err)
	}

	auditLog, auditLoadFailed := audit.New(dir, logger)
	if auditLoadFailed {
		auditLog.Append("persistence_load_failed", "system", audit.FileName, "failure",
			"audit log unreadable at startup, starting empty")
	}

	// Identity graph + ingester
	g := graph.NewStore()
	var ingester ingest.Ingester
	if cfg.Ingest.UseMockData {
		ingester = &ingest.Mock{}
		logger.Info("using mock identity dataset")
	} else {
		awsIngester, err := ingest.NewAWS(context.Background(), cfg.Ingest.AWSRegion, logger)
		if err != nil {
			return fmt.Errorf("failed to build AWS ingester: %w", err)
		}
		ingester = awsIngester
	}
	ingestSvc := ingest.NewService(ingester, g, dir, auditLog, logger)
	if err := ingestSvc.RestoreSnapshot(); err != nil {
		return fmt.Errorf("failed to restore graph snapshot: %w", err)
	}

	// Detection
	gate, err := detect.NewGate(cfg.Detection.AutoResponseGate, logger)
	if err != nil {
		return fmt.Errorf("invalid auto-response gate: %w", err)
	}
	engine := detect.New(g, cfg.Detection, gate, dir, auditLog, logger)

	// Response
	planStore, planLoadFailed := respond.NewStore(dir, logger)
	if planLoadFailed {
		auditLog.Append("persistence_load_failed", "system", respond.FileName, "failure",
			"response state unreadable at startup, starting empty")
	}
	planner := respond.NewPlanner(g, planStore, auditLog, cfg.Detection.HighPrivilegeThreshold, logger)
	engine.SetRecommender(planner.RecommendKinds)
	engine.SetPlanHandler(func(a detect.Alert) {
		if _, err := planner.HandleAlert(a); err != nil {
			logger.Error("plan synthesis failed", "alert", a.ID, "error", err)
		}
	})

	var eff effector.Effector
	if cfg.Ingest.UseMockData {
		eff = effector.NewMock(logger)
	} else {
		awsEffector, err := effector.NewAWS(context.Background(), cfg.Ingest.AWSRegion, logger)
		if err != nil {
			return fmt.Errorf("failed to build AWS effector: %w", err)
		}
		eff = awsEffector
	}
	executor := respond.NewExecutor(planStore, eff, auditLog, cfg.Response, logger)

	// Auth
	users, err := auth.NewUserStore(cfg.Storage.UserDBPath)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	if err := users.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize user store: %w", err)
	}
	defer func() { _ = users.Close() }()

	authManager := auth.NewManager(users, secret, cfg.Auth.TokenTTL, logger)
	if err := authManager.Bootstrap(cfg.Auth.BootstrapAdminUsername, cfg.Auth.BootstrapAdminPassword); err != nil {
		return fmt.Errorf("failed to bootstrap admin user: %w", err)
	}
	limiter := auth.NewRateLimiter(cfg.Auth.AuthRatePerMinute)

	// Management API
	apiServer := api.NewServer(cfg.Server, g, engine, executor, planStore, ingestSvc, authManager, limiter, auditLog, logger)

	// Hot-reload config file
	if configFile != "" {
		watcher, err := config.NewWatcher(cfgLoader, logger)
		if err != nil {
			logger.Warn("failed to create config watcher", "error", err)
		} else {
			watcher.OnReload(func(c *config.Config) {
				logger.Info("config reloaded; detection and response settings apply on next restart")
			})
			watcher.Start()
			defer func() { _ = watcher.Stop() }()
		}
	}

	fmt.Println()
	fmt.Printf("  PathWarden %s\n", version)
	fmt.Printf("  → API:     http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Data:    %s\n", cfg.Storage.DataDir)
	fmt.Printf("  → Ingest:  %s\n", ingestName(cfg))
	fmt.Printf("  → Gate:    %s\n", gate.Expression())
	fmt.Println()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	logger.Info("starting HTTP server", "port", cfg.Server.Port)
	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/health", p))
	if err != nil {
		return fmt.Errorf("failed to connect to PathWarden: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("Status: %v\n", result["status"])
	fmt.Printf("Uptime: %vs\n", result["uptime_seconds"])
	return nil
}

func runScan(port int, token, startNode string, minDelta int) error {
	if token == "" {
		token = os.Getenv("PATHWARDEN_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("a bearer token is required (--token or $PATHWARDEN_TOKEN)")
	}

	p := resolvePort(port)
	url := fmt.Sprintf("http://localhost:%d/api/detect/scan", p)
	sep := "?"
	if startNode != "" {
		url += sep + "start_node=" + startNode
		sep = "&"
	}
	if minDelta > 0 {
		url += sep + "min_delta=" + strconv.Itoa(minDelta)
	}

	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to PathWarden: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("scan failed (HTTP %d): %s", resp.StatusCode, errBody["error"])
	}

	var result struct {
		Alerts []detect.Alert `json:"alerts"`
		Total  int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Total == 0 {
		fmt.Println("No escalation paths found.")
		return nil
	}
	fmt.Printf("%-20s %-10s %-6s %-6s %-6s %s\n", "ID", "SEVERITY", "DELTA", "CONF", "BLAST", "PATH")
	fmt.Println(strings.Repeat("─", 100))
	for _, a := range result.Alerts {
		fmt.Printf("%-20s %-10s %-6d %-6.2f %-6d %s\n",
			a.ID, a.Severity, a.PrivilegeDelta, a.Confidence, a.BlastRadius,
			strings.Join(a.Path, " → "))
	}
	return nil
}

func findConfigFile() string {
	for _, candidate := range []string{"pathwarden.yaml", "pathwarden.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port > 0 {
		return port
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p
		}
	}
	return 5000
}

func ingestName(cfg *config.Config) string {
	if cfg.Ingest.UseMockData {
		return "mock dataset"
	}
	return "AWS IAM (" + cfg.Ingest.AWSRegion + ")"
}

func ephemeralSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(buf)
}
