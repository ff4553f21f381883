// Package logging provides config-driven categorized file-based logging
// for buildbox. Logs are written to the state directory with separate
// files per category. Logging is controlled by debug_mode in the user
// config - when false, no logs are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // CLI startup, config loading
	CategoryExec      Category = "exec"      // Command execution in environments
	CategoryHost      Category = "host"      // Host executor
	CategoryMultipass Category = "multipass" // Multipass client, installer, provider
	CategoryLXD       Category = "lxd"       // LXD client, installer, provider
	CategorySetup     Category = "setup"     // Environment configuration actions
	CategoryImage     Category = "image"     // Image compatibility and setup
	CategoryAudit     Category = "audit"     // Execution audit trail
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// configFile structure for reading the user config
type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config. Should be
// called once at startup with the buildbox state directory (the one
// holding config.yaml).
func Initialize(stateDir string) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	logsDir = filepath.Join(stateDir, "logs")

	if err := loadConfig(filepath.Join(stateDir, "config.yaml")); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Only create logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== buildbox logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", config.Level)

	return nil
}

// loadConfig reads the logging section from the user config file
func loadConfig(configPath string) error {
	configMu.Lock()
	defer configMu.Unlock()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Create log file with date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Exec logs to the exec category
func Exec(format string, args ...interface{}) {
	Get(CategoryExec).Info(format, args...)
}

// ExecDebug logs debug to the exec category
func ExecDebug(format string, args ...interface{}) {
	Get(CategoryExec).Debug(format, args...)
}

// ExecWarn logs warning to the exec category
func ExecWarn(format string, args ...interface{}) {
	Get(CategoryExec).Warn(format, args...)
}

// ExecError logs error to the exec category
func ExecError(format string, args ...interface{}) {
	Get(CategoryExec).Error(format, args...)
}

// Host logs to the host category
func Host(format string, args ...interface{}) {
	Get(CategoryHost).Info(format, args...)
}

// HostDebug logs debug to the host category
func HostDebug(format string, args ...interface{}) {
	Get(CategoryHost).Debug(format, args...)
}

// Multipass logs to the multipass category
func Multipass(format string, args ...interface{}) {
	Get(CategoryMultipass).Info(format, args...)
}

// MultipassDebug logs debug to the multipass category
func MultipassDebug(format string, args ...interface{}) {
	Get(CategoryMultipass).Debug(format, args...)
}

// MultipassWarn logs warning to the multipass category
func MultipassWarn(format string, args ...interface{}) {
	Get(CategoryMultipass).Warn(format, args...)
}

// LXD logs to the lxd category
func LXD(format string, args ...interface{}) {
	Get(CategoryLXD).Info(format, args...)
}

// LXDDebug logs debug to the lxd category
func LXDDebug(format string, args ...interface{}) {
	Get(CategoryLXD).Debug(format, args...)
}

// LXDWarn logs warning to the lxd category
func LXDWarn(format string, args ...interface{}) {
	Get(CategoryLXD).Warn(format, args...)
}

// Setup logs to the setup category
func Setup(format string, args ...interface{}) {
	Get(CategorySetup).Info(format, args...)
}

// SetupDebug logs debug to the setup category
func SetupDebug(format string, args ...interface{}) {
	Get(CategorySetup).Debug(format, args...)
}

// SetupWarn logs warning to the setup category
func SetupWarn(format string, args ...interface{}) {
	Get(CategorySetup).Warn(format, args...)
}

// Image logs to the image category
func Image(format string, args ...interface{}) {
	Get(CategoryImage).Info(format, args...)
}

// ImageDebug logs debug to the image category
func ImageDebug(format string, args ...interface{}) {
	Get(CategoryImage).Debug(format, args...)
}

// Audit logs to the audit category
func Audit(format string, args ...interface{}) {
	Get(CategoryAudit).Info(format, args...)
}

// AuditDebug logs debug to the audit category
func AuditDebug(format string, args ...interface{}) {
	Get(CategoryAudit).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
