package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8022"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/easyssh.db"`

	// Remote endpoint settings
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`

	// Shell flow control: unacked bytes before pausing PTY reads
	ShellWatermark int `envconfig:"SHELL_WATERMARK" default:"262144"`

	// Transfer settings
	TransferChunkSize int `envconfig:"TRANSFER_CHUNK_SIZE" default:"65536"`
	FolderChunkSize   int `envconfig:"FOLDER_CHUNK_SIZE" default:"524288"`

	// Keepalive and reconnection
	PingInterval         time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	PingTimeoutMultiple  int           `envconfig:"PING_TIMEOUT_MULTIPLE" default:"3"`
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"5"`
	ReconnectBaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"2s"`
	ReattachTimeout      time.Duration `envconfig:"REATTACH_TIMEOUT" default:"2m"`

	// Failure suppression
	FailureThreshold int           `envconfig:"FAILURE_THRESHOLD" default:"5"`
	FailureWindow    time.Duration `envconfig:"FAILURE_WINDOW" default:"1m"`

	// Session housekeeping
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	PendingConnTimeout time.Duration `envconfig:"PENDING_CONN_TIMEOUT" default:"45s"`

	// Inbound message rate limiting (per connection, messages per second)
	MessageRateLimit int `envconfig:"MESSAGE_RATE_LIMIT" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ESSH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
