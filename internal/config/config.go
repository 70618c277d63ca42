// Package config loads credential, endpoint and runtime settings for the
// provisioner from the environment and an optional .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything needed to talk to the compute API and to run
// the provisioner. It is passed by value.
type Config struct {
	AccessKey     string
	SecretKey     string
	SessionToken  string
	Region        string
	EndpointURL   string
	ValidateCerts bool
	Profile       string

	PollInterval time.Duration
	PollTimeout  time.Duration

	LogLevel string

	Host            string
	Port            string
	DBPath          string
	TLSCertFile     string
	TLSKeyFile      string
	ClientCACert    string
	APITokensFile   string
	ArchiveEndpoint string
	ArchiveBucket   string
	ArchiveAccess   string
	ArchiveSecret   string
}

const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AccessKey:     getEnv("", "AWS_ACCESS_KEY_ID", "AWS_ACCESS_KEY", "EC2_ACCESS_KEY"),
		SecretKey:     getEnv("", "AWS_SECRET_ACCESS_KEY", "AWS_SECRET_KEY", "EC2_SECRET_KEY"),
		SessionToken:  getEnv("", "AWS_SESSION_TOKEN", "AWS_SECURITY_TOKEN", "EC2_SECURITY_TOKEN"),
		Region:        getEnv("", "AWS_REGION", "AWS_DEFAULT_REGION", "EC2_REGION"),
		EndpointURL:   getEnv("", "AWS_ENDPOINT_URL", "EC2_URL"),
		ValidateCerts: getEnvBool("AWS_VALIDATE_CERTS", true),
		Profile:       getEnv("", "AWS_PROFILE"),

		PollInterval: getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PollTimeout:  getEnvDuration("POLL_TIMEOUT", DefaultPollTimeout),

		LogLevel: getEnv("info", "LOG_LEVEL"),

		Host:            getEnv("0.0.0.0", "HOST"),
		Port:            getEnv("8080", "PORT"),
		DBPath:          getEnv("/var/lib/ec2-volume-provisioner/jobs.db", "DB_PATH"),
		TLSCertFile:     getEnv("", "TLS_CERT_FILE"),
		TLSKeyFile:      getEnv("", "TLS_KEY_FILE"),
		ClientCACert:    getEnv("/etc/ssl/certs/client-ca.pem", "CLIENT_CA_CERT"),
		APITokensFile:   getEnv("/etc/ec2-volume-provisioner/api-tokens", "API_TOKENS_FILE"),
		ArchiveEndpoint: getEnv("", "ARCHIVE_ENDPOINT"),
		ArchiveBucket:   getEnv("provisioner-results", "ARCHIVE_BUCKET"),
		ArchiveAccess:   getEnv("", "ARCHIVE_ACCESS_KEY"),
		ArchiveSecret:   getEnv("", "ARCHIVE_SECRET_KEY"),
	}
}

// Validate checks the credential settings for combinations the SDK cannot use.
func (c Config) Validate() error {
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access key and secret key must be supplied together")
	}
	if c.SessionToken != "" && c.AccessKey == "" {
		return fmt.Errorf("session token requires an access key and secret key")
	}
	if c.Profile != "" && c.AccessKey != "" {
		return fmt.Errorf("profile cannot be combined with an explicit access key")
	}
	if c.EndpointURL != "" {
		u, err := url.Parse(c.EndpointURL)
		if err != nil {
			return fmt.Errorf("invalid endpoint URL '%s': %w", c.EndpointURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid endpoint URL scheme '%s': must be http or https", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid endpoint URL '%s': missing hostname", c.EndpointURL)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("poll timeout %s is shorter than poll interval %s", c.PollTimeout, c.PollInterval)
	}
	return nil
}

// getEnv returns the first non-empty value among keys, or defaultValue.
func getEnv(defaultValue string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
