package constants

import "time"

// Signaling connection defaults
const (
	DefaultReconnectInitialDelayMs = 500
	DefaultReconnectMaxDelayMs     = 30000
	DefaultReconnectMaxAttempts    = 8
	DefaultOpenTimeoutMs           = 10000
	DefaultWriteTimeoutMs          = 5000
	DefaultSendQueueSize           = 64
	DefaultReadLimitBytes          = 1 << 20
)

// REST client defaults
const (
	DefaultHTTPTimeoutSec          = 30
	DefaultAPIRetryAttempts        = 3
	DefaultAPIRetryInitialMs       = 200
	DefaultAPIRetryMaxMs           = 2000
	DefaultBreakerMaxFailures      = 5
	DefaultBreakerResetTimeoutSec  = 30
	DefaultMaxAttachmentSizeMB     = 25
	BytesPerMegabyte               = 1024 * 1024
	DefaultUserSearchLimit         = 20
	DefaultHistoryFallbackPageSize = 200
)

// Call and broadcast defaults
const (
	DefaultDurationTickSec       = 1
	DefaultBroadcastJoinWaitSec  = 10
	DefaultOfferWaitSec          = 20
	DefaultEndedCallMemory       = 64
	DefaultBroadcastChatCapacity = 500
)

// Process defaults
const (
	DefaultDebugListenAddr       = "127.0.0.1:8090"
	DefaultGracefulShutdownSec   = 10
	DefaultConfigPollIntervalSec = 5
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
)

// Input limits
const (
	MaxIDLength               = 128
	MaxMessageLength          = 4096
	MaxRequestBodyBytes int64 = 64 * 1024
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// DefaultICEServers is used when the configuration does not list any.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// DurationTick is the interval at which active call duration is reported.
const DurationTick = time.Duration(DefaultDurationTickSec) * time.Second

// Local cache encryption
const (
	EncryptionSalt       = "linkup-history-cache-v1"
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
	EncryptionIterations = 100000
	MinEncryptionSecret  = 32

	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseRetryBackoffMs = 50
)
