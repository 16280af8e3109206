package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// MediaSource describes one configured media origin that becomes a
// catalog channel. Ref is an opaque locator (file path or RTSP URL)
// handed to the media engine untouched.
type MediaSource struct {
	Ref  string
	Name string
}

// Config holds the full gateway configuration, loaded once at startup
// and passed by reference to every component.
type Config struct {
	// Device identity
	DeviceID     string // 20-digit GB28181 device identifier
	DeviceName   string
	Manufacturer string
	Model        string
	Firmware     string
	CivilCode    string

	// Platform (SIP registrar) endpoint
	PlatformID   string
	PlatformHost string
	PlatformPort int
	Username     string
	Password     string
	Realm        string

	// Local SIP endpoint
	LocalIP   string
	LocalPort int
	Transport string // "udp" or "tcp"

	// Registration / liveness cadences
	RegisterExpires   time.Duration // platform-imposed registration timeout
	KeepaliveInterval time.Duration
	RegisterRetrySlow time.Duration // indefinite slow retry after failures

	// Catalog behavior
	MaxChannels         int
	SafeDatagramBytes   int
	CatalogPushInterval time.Duration
	RebuildInterval     time.Duration
	DedupeWindow        time.Duration
	DebugDumpPath       string // last outgoing catalog payload, empty disables

	// Session supervision
	SessionSweepInterval   time.Duration
	SessionSummaryInterval time.Duration // per-session status event cadence, 0 disables
	MaxRecoveryAttempts    int

	// Vendor-specific SSRC signaling field (see y= lines in GB28181 SDP)
	SSRCField string

	// Media sources advertised as channels, "ref|name" comma separated
	MediaSources []MediaSource

	// Recording index
	RecordingDBPath string

	// Event publishing (optional)
	AMQPUrl       string
	AMQPQueueName string

	// Metrics endpoint
	MetricsEnabled bool
	MetricsPort    int

	LogLevel logrus.Level
}

// Load reads configuration from the environment, consulting a .env file
// when present.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Debug("No .env file loaded, relying on process environment")
	}

	cfg := &Config{
		DeviceID:     getEnv("DEVICE_ID", "34020000001320000001"),
		DeviceName:   getEnv("DEVICE_NAME", "GB28181-Restreamer"),
		Manufacturer: getEnv("MANUFACTURER", "GB28181-Restreamer"),
		Model:        getEnv("MODEL", "Restreamer-1.0"),
		Firmware:     getEnv("FIRMWARE", "1.0.0"),
		CivilCode:    getEnv("CIVIL_CODE", "340200"),

		PlatformID:   getEnv("PLATFORM_ID", "34020000002000000001"),
		PlatformHost: getEnv("PLATFORM_HOST", "127.0.0.1"),
		PlatformPort: getEnvInt("PLATFORM_PORT", 5060),
		Username:     getEnv("SIP_USERNAME", ""),
		Password:     getEnv("SIP_PASSWORD", ""),
		Realm:        getEnv("SIP_REALM", "*"),

		LocalIP:   getEnv("LOCAL_IP", "0.0.0.0"),
		LocalPort: getEnvInt("LOCAL_PORT", 5080),
		Transport: strings.ToLower(getEnv("SIP_TRANSPORT", "udp")),

		RegisterExpires:   getEnvDuration("REGISTER_EXPIRES", time.Hour),
		KeepaliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 60*time.Second),
		RegisterRetrySlow: getEnvDuration("REGISTER_RETRY_SLOW", 30*time.Second),

		MaxChannels:         getEnvInt("MAX_CHANNELS", 20),
		SafeDatagramBytes:   getEnvInt("SAFE_DATAGRAM_BYTES", 1400),
		CatalogPushInterval: getEnvDuration("CATALOG_PUSH_INTERVAL", 5*time.Minute),
		RebuildInterval:     getEnvDuration("CATALOG_REBUILD_INTERVAL", time.Minute),
		DedupeWindow:        getEnvDuration("QUERY_DEDUPE_WINDOW", 2*time.Second),
		DebugDumpPath:       getEnv("CATALOG_DEBUG_DUMP", ""),

		SessionSweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", 10*time.Second),
		SessionSummaryInterval: getEnvDuration("SESSION_SUMMARY_INTERVAL", time.Minute),
		MaxRecoveryAttempts:    getEnvInt("MAX_RECOVERY_ATTEMPTS", 3),

		SSRCField: getEnv("SSRC_FIELD", "y"),

		RecordingDBPath: getEnv("RECORDING_DB_PATH", "recordings.db"),

		AMQPUrl:       getEnv("AMQP_URL", ""),
		AMQPQueueName: getEnv("AMQP_QUEUE_NAME", "gb28181.events"),

		MetricsEnabled: getEnv("METRICS_ENABLED", "true") == "true",
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		logger.WithError(err).Warn("Invalid LOG_LEVEL, defaulting to info")
		level = logrus.InfoLevel
	}
	cfg.LogLevel = level

	cfg.MediaSources = parseMediaSources(os.Getenv("MEDIA_SOURCES"))
	if cfg.Username == "" {
		cfg.Username = cfg.DeviceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if len(c.DeviceID) != 20 || !isDigits(c.DeviceID) {
		return fmt.Errorf("DEVICE_ID must be exactly 20 digits, got %q", c.DeviceID)
	}
	if len(c.PlatformID) != 20 || !isDigits(c.PlatformID) {
		return fmt.Errorf("PLATFORM_ID must be exactly 20 digits, got %q", c.PlatformID)
	}
	if c.Transport != "udp" && c.Transport != "tcp" {
		return fmt.Errorf("SIP_TRANSPORT must be udp or tcp, got %q", c.Transport)
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("LOCAL_PORT out of range: %d", c.LocalPort)
	}
	if c.PlatformPort <= 0 || c.PlatformPort > 65535 {
		return fmt.Errorf("PLATFORM_PORT out of range: %d", c.PlatformPort)
	}
	if c.MaxChannels <= 0 {
		return fmt.Errorf("MAX_CHANNELS must be positive, got %d", c.MaxChannels)
	}
	if c.SafeDatagramBytes < 512 {
		return fmt.Errorf("SAFE_DATAGRAM_BYTES too small: %d", c.SafeDatagramBytes)
	}
	if c.KeepaliveInterval >= c.RegisterExpires {
		return fmt.Errorf("KEEPALIVE_INTERVAL (%s) must be shorter than REGISTER_EXPIRES (%s)",
			c.KeepaliveInterval, c.RegisterExpires)
	}
	return nil
}

// PlatformURI returns the SIP URI of the controlling platform.
func (c *Config) PlatformURI() string {
	return fmt.Sprintf("sip:%s@%s:%d", c.PlatformID, c.PlatformHost, c.PlatformPort)
}

// DeviceURI returns the SIP URI this device registers as.
func (c *Config) DeviceURI() string {
	return fmt.Sprintf("sip:%s@%s:%d", c.DeviceID, c.PlatformHost, c.PlatformPort)
}

func parseMediaSources(raw string) []MediaSource {
	if raw == "" {
		return nil
	}
	var sources []MediaSource
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ref, name, found := strings.Cut(entry, "|")
		if !found || name == "" {
			name = refDisplayName(ref)
		}
		sources = append(sources, MediaSource{Ref: strings.TrimSpace(ref), Name: strings.TrimSpace(name)})
	}
	return sources
}

func refDisplayName(ref string) string {
	ref = strings.TrimSuffix(ref, "/")
	if idx := strings.LastIndexByte(ref, '/'); idx >= 0 && idx+1 < len(ref) {
		return ref[idx+1:]
	}
	return ref
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare integers are treated as seconds for operator convenience.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
