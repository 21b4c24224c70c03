// Package config loads the bridge's CLI/environment configuration,
// spec.md §6. Every option has both a flag and an environment variable
// fallback, with the environment variable taking precedence over the
// flag's default — the Go rendering of envdefault.py's EnvDefault
// argparse action.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Config is the fully-resolved set of options the bridge runs with.
type Config struct {
	Broker    string
	Port      int
	RootTopic string
	TLS       bool
	Username  string
	Password  string

	NodeIP         string
	SerialPort     string
	ConnectionType string

	TracerouteCooldown        time.Duration
	TracerouteInterval        time.Duration
	TracerouteMaxRetries      int
	TracerouteMaxBackoff      time.Duration
	TraceroutePersistenceFile string

	MQTTListenTopic string

	StatusAddr string
	LogLevel   string
}

// Load parses os.Args[1:] with environment-variable precedence and
// validates the mutually-exclusive / required-argument rules spec.md §7's
// "Configuration" error class names.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nhmesh-bridge", flag.ContinueOnError)

	cfg := &Config{}
	broker := stringFlag(fs, "broker", "MQTT_ENDPOINT", "mqtt.nhmesh.live", "MQTT host")
	port := intFlag(fs, "port", "MQTT_PORT", 1883, "MQTT port")
	topic := stringFlag(fs, "topic", "MQTT_TOPIC", "msh/US/NH/", "Root publish topic")
	tls := boolFlag(fs, "tls", "", false, "TLS flag (reserved)")
	username := stringFlag(fs, "username", "MQTT_USERNAME", "", "MQTT auth username")
	password := stringFlag(fs, "password", "MQTT_PASSWORD", "", "MQTT auth password")
	nodeIP := stringFlag(fs, "node-ip", "NODE_IP", "", "Radio TCP host")
	serialPort := stringFlag(fs, "serial-port", "SERIAL_PORT", "", "Serial device path")
	connType := stringFlag(fs, "connection-type", "CONNECTION_TYPE", "tcp", "tcp|serial")
	cooldown := intFlag(fs, "traceroute-cooldown", "TRACEROUTE_COOLDOWN", 180, "Global cooldown, s")
	interval := intFlag(fs, "traceroute-interval", "TRACEROUTE_INTERVAL", 43200, "Per-node refresh interval, s")
	maxRetries := intFlag(fs, "traceroute-max-retries", "TRACEROUTE_MAX_RETRIES", 3, "Per-node retry cap")
	maxBackoff := intFlag(fs, "traceroute-max-backoff", "TRACEROUTE_MAX_BACKOFF", 86400, "Backoff cap, s")
	persistenceFile := stringFlag(fs, "traceroute-persistence-file", "TRACEROUTE_PERSISTENCE_FILE", "/tmp/traceroute_state.json", "State path")
	listenTopic := stringFlag(fs, "mqtt-listen-topic", "MQTT_LISTEN_TOPIC", "", "Reverse path topic (optional)")
	statusAddr := stringFlag(fs, "status-addr", "STATUS_ADDR", "", "Optional status HTTP listen address (empty disables)")
	logLevel := stringFlag(fs, "log-level", "LOG_LEVEL", "info", "Log level")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Broker = *broker
	cfg.Port = *port
	cfg.RootTopic = *topic
	cfg.TLS = *tls
	cfg.Username = *username
	cfg.Password = *password
	cfg.NodeIP = *nodeIP
	cfg.SerialPort = *serialPort
	cfg.ConnectionType = *connType
	cfg.TracerouteCooldown = time.Duration(*cooldown) * time.Second
	cfg.TracerouteInterval = time.Duration(*interval) * time.Second
	cfg.TracerouteMaxRetries = *maxRetries
	cfg.TracerouteMaxBackoff = time.Duration(*maxBackoff) * time.Second
	cfg.TraceroutePersistenceFile = *persistenceFile
	cfg.MQTTListenTopic = *listenTopic
	cfg.StatusAddr = *statusAddr
	cfg.LogLevel = *logLevel

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces spec.md §7's "Configuration" error class: fail-fast at
// startup on missing required args or mutually exclusive options.
func (c *Config) validate() error {
	switch c.ConnectionType {
	case "tcp":
		if c.NodeIP == "" {
			return fmt.Errorf("connection-type=tcp requires --node-ip/NODE_IP")
		}
		if c.SerialPort != "" {
			return fmt.Errorf("--node-ip and --serial-port are mutually exclusive")
		}
	case "serial":
		if c.SerialPort == "" {
			return fmt.Errorf("connection-type=serial requires --serial-port/SERIAL_PORT")
		}
		if c.NodeIP != "" {
			return fmt.Errorf("--node-ip and --serial-port are mutually exclusive")
		}
	default:
		return fmt.Errorf("connection-type must be tcp or serial, got %q", c.ConnectionType)
	}
	return nil
}

// stringFlag registers a string flag whose default is overridden by the
// named environment variable when set, mirroring envdefault.py's
// precedence (env beats the flag's hardcoded default; an explicit
// command-line value still wins over both since flag.Parse runs last).
func stringFlag(fs *flag.FlagSet, name, envVar, def, usage string) *string {
	if envVar != "" {
		if v, ok := os.LookupEnv(envVar); ok {
			def = v
		}
	}
	return fs.String(name, def, usage)
}

func intFlag(fs *flag.FlagSet, name, envVar string, def int, usage string) *int {
	if envVar != "" {
		if v, ok := os.LookupEnv(envVar); ok {
			var parsed int
			if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
				def = parsed
			}
		}
	}
	return fs.Int(name, def, usage)
}

func boolFlag(fs *flag.FlagSet, name, envVar string, def bool, usage string) *bool {
	if envVar != "" {
		if v, ok := os.LookupEnv(envVar); ok {
			def = v == "true" || v == "1"
		}
	}
	return fs.Bool(name, def, usage)
}
