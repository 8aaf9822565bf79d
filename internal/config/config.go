package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port           string
	StorageBackend string // "memory", "sqlite", "redis" or "mongo"
	SQLitePath     string
	RedisURL       string
	MongoURI       string
	MongoDatabase  string
	AgentsFile     string // path to agents.yaml

	// Sync behaviour
	EnableServerSync bool
	SyncInterval     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	DebugMode        bool
}

// AgentConfig describes one agent endpoint the gateway syncs against
type AgentConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// AgentsFile is the on-disk shape of agents.yaml
type AgentsFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "3100"),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "sqlite")),
		SQLitePath:     getEnv("SQLITE_PATH", "chatsync.db"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		MongoURI:       getEnv("MONGODB_URI", ""),
		MongoDatabase:  getEnv("MONGODB_DATABASE", "chatsync"),
		AgentsFile:     getEnv("AGENTS_FILE", "agents.yaml"),

		EnableServerSync: getBoolEnv("ENABLE_SERVER_SYNC", true),
		SyncInterval:     getDurationEnv("SYNC_INTERVAL", 30*time.Second),
		MaxRetries:       getIntEnv("SYNC_MAX_RETRIES", 3),
		RetryDelay:       getDurationEnv("SYNC_RETRY_DELAY", 5*time.Second),
		DebugMode:        getBoolEnv("DEBUG_MODE", false),
	}
}

// LoadAgents loads the agent endpoint list from a YAML file
func LoadAgents(filePath string) ([]AgentConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var file AgentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agents YAML: %w", err)
	}

	var agents []AgentConfig
	for _, a := range file.Agents {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		agents = append(agents, a)
	}

	return agents, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
