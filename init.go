package capvault

import (
	"os"
	"strconv"

	"github.com/raykavin/capvault/pkg/config"
	"github.com/raykavin/capvault/pkg/logger"
	"github.com/raykavin/capvault/pkg/logger/zerolog"
)

const (
	// Default configuration values
	defaultLogLevel      = config.DefaultLogLevel
	defaultLogTimeFormat = config.DefaultTimeFormat
	defaultLogColored    = "true"
	defaultLogJSON       = "false"
)

// Environment variable names
const (
	envLogLevel      = "CAPVAULT_LOG_LEVEL"
	envLogTimeFormat = "CAPVAULT_LOG_TIME_FORMAT"
	envLogColor      = "CAPVAULT_LOG_COLOR"
	envLogJSON       = "CAPVAULT_LOG_JSON"
)

func init() {
	log, err := initLogger()
	if err != nil {
		panic(err)
	}

	DefaultLog = zerolog.NewAdapter(log.Logger)
}

// initLogger creates a new logger instance configured from environment variables
func initLogger() (*zerolog.Logger, error) {
	logLevel := getEnvWithDefault(envLogLevel, defaultLogLevel)
	logTimeFormat := getEnvWithDefault(envLogTimeFormat, defaultLogTimeFormat)

	logColored, err := parseBoolEnv(envLogColor, defaultLogColored)
	if err != nil {
		return nil, err
	}

	logJSON, err := parseBoolEnv(envLogJSON, defaultLogJSON)
	if err != nil {
		return nil, err
	}

	return zerolog.New(logLevel, logTimeFormat, logColored, logJSON)
}

// NewLogger builds a logger from the log section of a configuration
func NewLogger(cfg config.LogConfig) (logger.Logger, error) {
	log, err := zerolog.New(cfg.Level, cfg.TimeFormat, cfg.Color, cfg.JSON)
	if err != nil {
		return nil, err
	}
	return zerolog.NewAdapter(log.Logger), nil
}

// getEnvWithDefault returns the value of the environment variable or the default if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// parseBoolEnv gets a boolean environment variable with a default value
func parseBoolEnv(key, defaultValue string) (bool, error) {
	value := getEnvWithDefault(key, defaultValue)
	return strconv.ParseBool(value)
}
