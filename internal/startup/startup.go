package startup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"render-export/internal/logging"

	"github.com/gorilla/mux"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// Config holds all application configuration
type Config struct {
	WorkDir          string
	Port             string
	MetricsPort      string
	MetricsEnabled   bool
	LogHealthChecks  bool
	LogProgressPolls bool

	// HistoryPath is the SQLite ledger file; empty disables history.
	HistoryPath string

	// Workers
	WorkerBinary      string
	WorkerInProcess   bool
	RendererCommand   string
	HeartbeatInterval time.Duration
	StartupTimeout    time.Duration
	ShutdownGrace     time.Duration
	MaxRestarts       int
	StallTimeout      time.Duration

	// Exports
	// OutputRoot confines output paths of HTTP export requests. A relative
	// value is resolved against WorkDir.
	OutputRoot           string
	MuxTool              string
	CancelGrace          time.Duration
	PolicyFile           string
	QualityTier          string
	MaxConcurrentExports int
	ExportRetention      time.Duration
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logHeading("CONFIGURATION")

	config := loadFromEnv()

	logging.Info("  WORK_DIR:               %s", config.WorkDir)
	logging.Info("  PORT:                   %s", config.Port)
	logging.Info("  METRICS_PORT:           %s", config.MetricsPort)
	logging.Info("  METRICS_ENABLED:        %v", config.MetricsEnabled)
	logging.Info("  HISTORY_DB:             %s", orDisabled(config.HistoryPath))
	logging.Info("  WORKER_BINARY:          %s", config.WorkerBinary)
	logging.Info("  WORKER_IN_PROCESS:      %v", config.WorkerInProcess)
	logging.Info("  RENDERER_COMMAND:       %s", orDefault(config.RendererCommand, "(built-in test pattern)"))
	logging.Info("  OUTPUT_ROOT:            %s", config.OutputRoot)
	logging.Info("  MUX_TOOL:               %s", config.MuxTool)
	logging.Info("  HEARTBEAT_INTERVAL:     %v", config.HeartbeatInterval)
	logging.Info("  STARTUP_TIMEOUT:        %v", config.StartupTimeout)
	logging.Info("  SHUTDOWN_GRACE:         %v", config.ShutdownGrace)
	logging.Info("  CANCEL_GRACE:           %v", config.CancelGrace)
	logging.Info("  MAX_RESTARTS:           %d", config.MaxRestarts)
	logging.Info("  MAX_CONCURRENT_EXPORTS: %d", config.MaxConcurrentExports)
	logging.Info("  POLICY_FILE:            %s", orDefault(config.PolicyFile, "(built-in)"))
	logging.Info("  QUALITY_TIER:           %s", config.QualityTier)
	logging.Info("  LOG_HEALTH_CHECKS:      %v", config.LogHealthChecks)
	logging.Info("  LOG_LEVEL:              %s", logging.GetLevel())

	logSection("DIRECTORY SETUP")

	workDir, err := filepath.Abs(config.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work directory path: %w", err)
	}
	config.WorkDir = workDir
	logging.Info("  Work directory (absolute): %s", workDir)

	if err := ensureDirectory(workDir, "work"); err != nil {
		return nil, fmt.Errorf("work directory error: %w", err)
	}

	logging.Debug("  Testing work directory write access...")
	if err := testWriteAccess(workDir); err != nil {
		return nil, fmt.Errorf("work directory is not writable (required for chunk files): %w", err)
	}
	logging.Info("  [OK] Work directory is writable")

	if !filepath.IsAbs(config.OutputRoot) {
		config.OutputRoot = filepath.Join(workDir, config.OutputRoot)
	}
	config.OutputRoot = filepath.Clean(config.OutputRoot)
	if err := ensureDirectory(config.OutputRoot, "output"); err != nil {
		return nil, fmt.Errorf("output root error: %w", err)
	}
	logging.Info("  Output root (absolute): %s", config.OutputRoot)

	if config.HistoryPath != "" && !filepath.IsAbs(config.HistoryPath) {
		config.HistoryPath = filepath.Join(workDir, config.HistoryPath)
	}

	logging.Info("")
	logging.Info("  Feature availability:")
	logging.Info("    History:     %s", enabledString(config.HistoryPath != ""))
	logging.Info("    Metrics:     %s", enabledString(config.MetricsEnabled))
	logging.Info("    Workers:     %s", workerMode(config))

	return config, nil
}

// loadFromEnv reads every variable without logging or touching the disk.
func loadFromEnv() *Config {
	workDir := getEnv("WORK_DIR", filepath.Join(os.TempDir(), "render-export"))
	history, historySet := os.LookupEnv("HISTORY_DB")
	if !historySet {
		history = "history.db"
	}

	return &Config{
		WorkDir:          workDir,
		Port:             getEnv("PORT", "8080"),
		MetricsPort:      getEnv("METRICS_PORT", "9090"),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		LogHealthChecks:  getEnvBool("LOG_HEALTH_CHECKS", true),
		LogProgressPolls: getEnvBool("LOG_PROGRESS_POLLS", false),
		HistoryPath:      history,

		WorkerBinary:      getEnv("WORKER_BINARY", "render-worker"),
		WorkerInProcess:   getEnvBool("WORKER_IN_PROCESS", false),
		RendererCommand:   os.Getenv("RENDERER_COMMAND"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		StartupTimeout:    getEnvDuration("STARTUP_TIMEOUT", 30*time.Second),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),
		MaxRestarts:       getEnvInt("MAX_RESTARTS", 2),
		StallTimeout:      getEnvDuration("STALL_TIMEOUT", 0),

		OutputRoot:           getEnv("OUTPUT_ROOT", "output"),
		MuxTool:              getEnv("MUX_TOOL", "ffmpeg"),
		CancelGrace:          getEnvDuration("CANCEL_GRACE", 5*time.Second),
		PolicyFile:           os.Getenv("POLICY_FILE"),
		QualityTier:          getEnv("QUALITY_TIER", "medium"),
		MaxConcurrentExports: getEnvInt("MAX_CONCURRENT_EXPORTS", 1),
		ExportRetention:      getEnvDuration("EXPORT_RETENTION", time.Hour),
	}
}

func workerMode(c *Config) string {
	if c.WorkerInProcess {
		return "IN-PROCESS"
	}
	return "SUBPROCESS (" + c.WorkerBinary + ")"
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

func orDisabled(s string) string {
	return orDefault(s, "(disabled)")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// LogHistoryInit logs history database initialization
func LogHistoryInit(duration time.Duration, err error) {
	logSection("HISTORY INITIALIZATION")
	if err != nil {
		logging.Warn("  History database unavailable: %v", err)
		logging.Warn("  Finished exports will not be recorded")
		return
	}
	logging.Info("  [OK] History database initialized in %v", duration)
}

// ToolChecker is an external tool that can report whether it runs.
type ToolChecker interface {
	ToolPath() string
	CheckTool(ctx context.Context) (string, error)
}

// LogMuxToolInit checks the concat tool and logs the result. A missing
// tool is not fatal: single-chunk exports never run it.
func LogMuxToolInit(tool ToolChecker) {
	logSection("MUX TOOL")

	version, err := tool.CheckTool(context.Background())
	if err != nil {
		logging.Warn("  %s check failed: %v", tool.ToolPath(), err)
		logging.Warn("  Multi-chunk exports will fail to combine")
		return
	}
	logging.Info("  [OK] %s is available", tool.ToolPath())
	logging.Debug("  %s version: %s", tool.ToolPath(), version)
}

// LogWorkerInit logs how workers will be launched
func LogWorkerInit(c *Config) {
	logSection("WORKER INITIALIZATION")
	logging.Info("  Mode: %s", workerMode(c))
	if !c.WorkerInProcess {
		if path, err := exec.LookPath(c.WorkerBinary); err != nil {
			logging.Warn("  Worker binary %q not found: %v", c.WorkerBinary, err)
		} else {
			logging.Info("  [OK] Worker binary: %s", path)
		}
	}
	logging.Info("  Heartbeat every %v, up to %d restart(s)", c.HeartbeatInterval, c.MaxRestarts)
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		name := route.GetName()

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   name,
			})
		}

		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes dynamically
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	logSection("HTTP SERVER SETUP")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("  Failed to enumerate routes: %v", err)
		}

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			if group != "" {
				logging.Debug("  [%s]", group)
			} else {
				logging.Debug("  [root]")
			}
			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
			logging.Debug("")
		}
	}

	logging.Info("  HTTP logging enabled")
	if logHealthChecks {
		logging.Info("    Health check logging: ON")
	} else {
		logging.Info("    Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")

	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 {
		return ""
	}

	first := parts[0]
	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}

	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logSection("SERVER STARTED")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    API:           http://0.0.0.0:%s/api/exports", config.Port)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logSection("SHUTDOWN INITIATED (received %s)", signal)
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// logSection starts a titled block in the startup log, preceded by a
// blank line.
func logSection(format string, args ...interface{}) {
	logging.Info("")
	logHeading(format, args...)
}

func logHeading(format string, args ...interface{}) {
	logging.Info("------------------------------------------------------------")
	logging.Info(format, args...)
	logging.Info("------------------------------------------------------------")
}

func printBanner() {
	banner := `
------------------------------------------------------------
    ____                 __                                      __
   / __ \___  ____  ____/ /__  _____   ___  _  ______  ____  _____/ /_
  / /_/ / _ \/ __ \/ __  / _ \/ ___/  / _ \| |/_/ __ \/ __ \/ ___/ __/
 / _, _/  __/ / / / /_/ /  __/ /     /  __/>  </ /_/ / /_/ / /  / /_
/_/ |_|\___/_/ /_/\__,_/\___/_/      \___/_/|_/ .___/\____/_/   \__/
                                             /_/
------------------------------------------------------------`
	fmt.Fprintln(os.Stderr, banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logHeading("SYSTEM INFORMATION")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}

	if logging.IsDebugEnabled() {
		logging.Debug("  Goroutines:      %d", runtime.NumGoroutine())

		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}

		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("    Directory does not exist, creating...")
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
	}

	logging.Debug("    [OK] Directory exists")
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}


func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		logging.Warn("Invalid duration value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
