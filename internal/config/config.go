// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/hamlab/meshgate/internal/logger"
	"github.com/hamlab/meshgate/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Radio       Radio         `group:"Radio Options" namespace:"radio" env-namespace:"MESHGATE_RADIO"`
	APRS        APRS          `group:"APRS-IS Options" namespace:"aprs" env-namespace:"MESHGATE_APRS"`
	Backend     Backend       `group:"Backend Options" namespace:"backend" env-namespace:"MESHGATE_BACKEND"`
	Beacon      Beacon        `group:"Beacon Options" namespace:"beacon" env-namespace:"MESHGATE_BEACON"`
	Storage     Storage       `group:"Storage Options" namespace:"db" env-namespace:"MESHGATE_DB"`
	Maintenance Maintenance   `group:"Maintenance Options" namespace:"maint" env-namespace:"MESHGATE_MAINT"`
	Logger      logger.Config `group:"Logger Options" namespace:"log" env-namespace:"MESHGATE_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Radio holds mesh transport configuration. Either a TCP address or a serial
// port is used; when both are set the serial port wins.
type Radio struct {
	// betteralign:ignore

	Address           string        `short:"r" long:"address" env:"ADDRESS" description:"Radio TCP address" default:"localhost:4403"`
	SerialPort        string        `long:"serial-port" env:"SERIAL_PORT" description:"Radio serial port (overrides TCP address)"`
	BaudRate          int           `long:"baud-rate" env:"BAUD_RATE" description:"Serial baud rate" default:"115200"`
	ConnectTimeout    time.Duration `long:"connect-timeout" env:"CONNECT_TIMEOUT" description:"TCP connect timeout" default:"10s"`
	ReconnectDelay    time.Duration `long:"reconnect-delay" env:"RECONNECT_DELAY" description:"Delay before reconnect attempt" default:"30s"`
	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" description:"Radio keepalive interval" default:"5m"`
	BacklogGrace      time.Duration `long:"backlog-grace" env:"BACKLOG_GRACE" description:"Window after connect during which stale buffered packets are dropped" default:"90s"`
	ClockSkew         time.Duration `long:"clock-skew" env:"CLOCK_SKEW" description:"Clock skew allowance for backlog detection" default:"20s"`
}

// APRS holds APRS-IS session configuration.
type APRS struct {
	// betteralign:ignore

	Server            string        `short:"s" long:"server" env:"SERVER" description:"APRS-IS server address" default:"rotate.aprs2.net:14580"`
	Filter            string        `long:"filter" env:"FILTER" description:"APRS-IS server-side filter expression"`
	KeepaliveInterval time.Duration `long:"keepalive-interval" env:"KEEPALIVE_INTERVAL" description:"Keepalive comment interval" default:"30s"`
	ReconnectDelay    time.Duration `long:"reconnect-delay" env:"RECONNECT_DELAY" description:"Delay before reconnect attempt" default:"30s"`
	UplinkRate        float64       `long:"uplink-rate" env:"UPLINK_RATE" description:"Max sustained uplink lines per second" default:"1"`
	UplinkBurst       int           `long:"uplink-burst" env:"UPLINK_BURST" description:"Uplink burst size" default:"5"`
}

// Backend holds provisioning backend configuration.
type Backend struct {
	// betteralign:ignore

	URL               string        `short:"b" long:"url" env:"URL" description:"Provisioning backend base URL"`
	APIKey            string        `short:"k" long:"api-key" env:"API_KEY" description:"Backend API key"`
	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" description:"Backend heartbeat interval" default:"60s"`
	Timeout           time.Duration `long:"timeout" env:"TIMEOUT" description:"HTTP request timeout" default:"10s"`
}

// Beacon holds transmission scheduling configuration.
type Beacon struct {
	// betteralign:ignore

	Interval        time.Duration `long:"interval" env:"INTERVAL" description:"Self position beacon interval (clamped to 1m..24h)" default:"30m"`
	TelemetryWindow time.Duration `long:"telemetry-window" env:"TELEMETRY_WINDOW" description:"Telemetry aggregation window" default:"10m"`
	DedupWindow     time.Duration `long:"dedup-window" env:"DEDUP_WINDOW" description:"Duplicate position suppression window" default:"30s"`
}

// Storage holds database configuration.
type Storage struct {
	// betteralign:ignore

	Path          string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"meshgate.db"`
	GenerateCount int    `long:"gen-fake-data" hidden:"true"`
}

// Maintenance holds one-shot operator maintenance flags. When any is set the
// task runs and the process exits without starting the gateway.
type Maintenance struct {
	// betteralign:ignore

	ResetNodes  bool          `long:"reset-nodes" description:"Delete the persisted node registry and exit"`
	PruneStats  time.Duration `long:"prune-stats" description:"Delete relay link stats older than the given age and exit"`
	ShowRecords bool          `long:"show-records" description:"Dump persisted named records and exit"`
}

// Beacon interval bounds per APRS-IS etiquette.
const (
	MinBeaconInterval = time.Minute
	MaxBeaconInterval = 24 * time.Hour
)

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Backend.URL == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-b, --backend-url' or environment variable `MESHGATE_BACKEND_URL` was not specified!")
		os.Exit(1)
	}

	if cfg.Backend.APIKey == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-k, --backend-api-key' or environment variable `MESHGATE_BACKEND_API_KEY` was not specified!")
		os.Exit(1)
	}

	if cfg.Beacon.Interval < MinBeaconInterval {
		cfg.Beacon.Interval = MinBeaconInterval
	}
	if cfg.Beacon.Interval > MaxBeaconInterval {
		cfg.Beacon.Interval = MaxBeaconInterval
	}

	return &cfg
}
