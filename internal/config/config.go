package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config carries everything the sync engine and cache server need. It is
// built once in main and passed into components at construction; nothing in
// this package is consulted after Load returns.
type Config struct {
	Log      LogConfig
	Store    StoreConfig
	Mirror   MirrorConfig
	Sync     SyncConfig
	RunState RunStateConfig
	Server   ServerConfig
}

type LogConfig struct {
	Level string
	JSON  bool
}

// StoreConfig identifies the authoritative object store. Credentials arrive
// here already resolved; this package does no credential discovery of its own.
type StoreConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type MirrorConfig struct {
	// CacheURLs is the ordered list of cache tiers, cheapest first. The
	// authoritative store is always the implicit last entry.
	CacheURLs []string
}

type SyncConfig struct {
	AssetDir       string
	RemotePrefix   string
	ManifestKey    string
	ProtectedNames []string
	Interval       time.Duration
	Parallel       int
}

type RunStateConfig struct {
	Dir      string
	RedisURL string
	// LockStale bounds how long a file lock may sit before a new acquirer
	// treats it as abandoned. Ignored by the redis store, which expires
	// locks itself.
	LockStale time.Duration
}

type ServerConfig struct {
	Port           string
	CacheDir       string
	CacheSizeLimit int64
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("STORE_ENDPOINT", "s3.amazonaws.com")
	v.SetDefault("STORE_REGION", "us-east-1")
	v.SetDefault("STORE_BUCKET", "")
	v.SetDefault("STORE_ACCESS_KEY", "")
	v.SetDefault("STORE_SECRET_KEY", "")
	v.SetDefault("STORE_USE_SSL", true)
	v.SetDefault("MIRROR_CACHE_URLS", "")
	v.SetDefault("SYNC_ASSET_DIR", "/var/lib/assetsync/images")
	v.SetDefault("SYNC_REMOTE_PREFIX", "images/")
	v.SetDefault("SYNC_MANIFEST_KEY", "manifests/images.txt")
	v.SetDefault("SYNC_PROTECTED_NAMES", "")
	v.SetDefault("SYNC_INTERVAL_SECONDS", 3600)
	v.SetDefault("SYNC_PARALLEL", 1)
	v.SetDefault("RUNSTATE_DIR", "/var/lib/assetsync/state")
	v.SetDefault("RUNSTATE_REDIS_URL", "")
	v.SetDefault("RUNSTATE_LOCK_STALE_SECONDS", 7200)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_CACHE_DIR", "/var/cache/assetsync")
	v.SetDefault("SERVER_CACHE_SIZE_LIMIT", int64(0))
	v.SetDefault("SERVER_ALLOWED_ORIGINS", "")
	v.SetDefault("SERVER_READ_TIMEOUT_SECONDS", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT_SECONDS", 600)
	v.AutomaticEnv()

	return &Config{
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
			JSON:  v.GetBool("LOG_JSON"),
		},
		Store: StoreConfig{
			Endpoint:  v.GetString("STORE_ENDPOINT"),
			Region:    v.GetString("STORE_REGION"),
			Bucket:    v.GetString("STORE_BUCKET"),
			AccessKey: v.GetString("STORE_ACCESS_KEY"),
			SecretKey: v.GetString("STORE_SECRET_KEY"),
			UseSSL:    v.GetBool("STORE_USE_SSL"),
		},
		Mirror: MirrorConfig{
			CacheURLs: splitList(v.GetString("MIRROR_CACHE_URLS")),
		},
		Sync: SyncConfig{
			AssetDir:       v.GetString("SYNC_ASSET_DIR"),
			RemotePrefix:   v.GetString("SYNC_REMOTE_PREFIX"),
			ManifestKey:    v.GetString("SYNC_MANIFEST_KEY"),
			ProtectedNames: splitList(v.GetString("SYNC_PROTECTED_NAMES")),
			Interval:       time.Duration(v.GetInt("SYNC_INTERVAL_SECONDS")) * time.Second,
			Parallel:       v.GetInt("SYNC_PARALLEL"),
		},
		RunState: RunStateConfig{
			Dir:       v.GetString("RUNSTATE_DIR"),
			RedisURL:  v.GetString("RUNSTATE_REDIS_URL"),
			LockStale: time.Duration(v.GetInt("RUNSTATE_LOCK_STALE_SECONDS")) * time.Second,
		},
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			CacheDir:       v.GetString("SERVER_CACHE_DIR"),
			CacheSizeLimit: v.GetInt64("SERVER_CACHE_SIZE_LIMIT"),
			AllowedOrigins: splitList(v.GetString("SERVER_ALLOWED_ORIGINS")),
			ReadTimeout:    time.Duration(v.GetInt("SERVER_READ_TIMEOUT_SECONDS")) * time.Second,
			WriteTimeout:   time.Duration(v.GetInt("SERVER_WRITE_TIMEOUT_SECONDS")) * time.Second,
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
