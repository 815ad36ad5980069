package internal

import "time"

type Config struct {
	LogLevel       string `env:"LOG_LEVEL,required=true"`
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	ChunkStoreDir  string `env:"CHUNK_STORE_DIR,required=true"`
	AssetDir       string `env:"ASSET_DIR,required=true"`
	InboxDir       string `env:"INBOX_DIR,required=true"`
	WorkspaceID    string `env:"WORKSPACE_ID,required=true"`
	ContainerID    string `env:"CONTAINER_ID,required=true"`

	ChunkSize             int   `env:"CHUNK_SIZE,required=true"`
	MaxConcurrentChunks   int   `env:"MAX_CONCURRENT_CHUNKS,required=true"`
	MaxConcurrentSessions int   `env:"MAX_CONCURRENT_SESSIONS,required=true"`
	MaxRetryAttempts      int   `env:"MAX_RETRY_ATTEMPTS,required=true"`
	AssemblyToleranceB    int64 `env:"ASSEMBLY_SIZE_TOLERANCE_BYTES"`

	BandwidthLimitKBps float64 `env:"BANDWIDTH_LIMIT_KBPS"`
	BandwidthFloorKBps float64 `env:"BANDWIDTH_FLOOR_KBPS"`

	UserSessionsPerHour  int   `env:"USER_SESSIONS_PER_HOUR,required=true"`
	IPSessionsPerHour    int   `env:"IP_SESSIONS_PER_HOUR,required=true"`
	MaxConcurrentPerUser int   `env:"MAX_CONCURRENT_PER_USER,required=true"`
	ChunksPerSessionMax  int   `env:"CHUNKS_PER_SESSION_MAX,required=true"`
	ChunksPerMinute      int   `env:"CHUNKS_PER_MINUTE,required=true"`
	UserBytesPerHour     int64 `env:"USER_BYTES_PER_HOUR,required=true"`
	IPBytesPerHour       int64 `env:"IP_BYTES_PER_HOUR,required=true"`

	ClamdAddr    string `env:"CLAMD_ADDR"`
	ClamscanBin  string `env:"CLAMSCAN_BIN"`
	ScanFailOpen bool   `env:"SCAN_FAIL_OPEN"`

	PriorityStrategy string `env:"PRIORITY_STRATEGY"`
	DebugPort        int    `env:"DEBUG_PORT"`

	InboxInterval     time.Duration `env:"INBOX_INTERVAL,required=true"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL,required=true"`
	SessionTTL        time.Duration `env:"SESSION_TTL,required=true"`
	BroadcastInterval time.Duration `env:"PROGRESS_BROADCAST_INTERVAL,required=true"`
	CheckpointHistory int           `env:"CHECKPOINT_HISTORY,required=true"`
	PressureCPULimit  float64       `env:"PRESSURE_CPU_LIMIT_PERCENT,required=true"`
}
