package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	ObjectStore  ObjectStoreConfig
	GCS          GCSConfig
	S3           S3Config
	MinIO        MinIOConfig
	Photos       PhotosConfig
	PubSub       PubSubConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
		if cfg.DB.DSN == "" {
			cfg.DB.DSN = defaultSQLiteDSN
		}
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.ObjectStore.validate(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Photos.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadJWT reads only the token settings, for tools that never touch the
// record or object store.
func LoadJWT() (JWTConfig, error) {
	var cfg JWTConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return JWTConfig{}, fmt.Errorf("parsing jwt config: %w", err)
	}
	return cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KILNBOOK_APP_ENV" required:"true"`
	Port         string `envconfig:"KILNBOOK_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KILNBOOK_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KILNBOOK_LOG_WARN_STACK" default:"false"`
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `envconfig:"KILNBOOK_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KILNBOOK_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KILNBOOK_DB_DSN"`
	Driver string `envconfig:"KILNBOOK_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KILNBOOK_DB_HOST"`
	LegacyPort     int    `envconfig:"KILNBOOK_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KILNBOOK_DB_USER"`
	LegacyPassword string `envconfig:"KILNBOOK_DB_PASSWORD"`
	LegacyName     string `envconfig:"KILNBOOK_DB_NAME"`
	LegacySSLMode  string `envconfig:"KILNBOOK_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KILNBOOK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KILNBOOK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KILNBOOK_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KILNBOOK_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	QueryTimeout    time.Duration `envconfig:"KILNBOOK_DB_QUERY_TIMEOUT" default:"5s"`
}

// IsSQLite reports whether the record store runs on the embedded SQLite driver.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"KILNBOOK_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KILNBOOK_REDIS_ADDR"`
	Password     string        `envconfig:"KILNBOOK_REDIS_PASSWORD"`
	DB           int           `envconfig:"KILNBOOK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KILNBOOK_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KILNBOOK_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KILNBOOK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KILNBOOK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KILNBOOK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds the shared secret used to verify bearer tokens issued by the
// identity provider.
type JWTConfig struct {
	Secret            string        `envconfig:"KILNBOOK_JWT_SECRET" required:"true"`
	Issuer            string        `envconfig:"KILNBOOK_JWT_ISSUER" required:"true"`
	ExpirationMinutes int           `envconfig:"KILNBOOK_JWT_EXPIRATION_MINUTES" default:"60"`
	Leeway            time.Duration `envconfig:"KILNBOOK_JWT_LEEWAY" default:"30s"`
}

// Expiration returns the token lifetime used when minting development tokens.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"KILNBOOK_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"KILNBOOK_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"KILNBOOK_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"KILNBOOK_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"KILNBOOK_GOOGLE_APPLICATION_CREDENTIALS"`
}

// ObjectStoreConfig selects the blob backend and bounds every call made to it.
type ObjectStoreConfig struct {
	Driver     string        `envconfig:"KILNBOOK_OBJECT_STORE_DRIVER" default:"gcs"`
	Timeout    time.Duration `envconfig:"KILNBOOK_OBJECT_STORE_TIMEOUT" default:"15s"`
	MaxRetries uint64        `envconfig:"KILNBOOK_OBJECT_STORE_MAX_RETRIES" default:"3"`
	RetryBase  time.Duration `envconfig:"KILNBOOK_OBJECT_STORE_RETRY_BASE" default:"100ms"`
}

func (o ObjectStoreConfig) validate(cfg Config) error {
	switch strings.ToLower(o.Driver) {
	case ObjectStoreGCS:
		if cfg.GCS.BucketName == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvGCSBucket, EnvObjectStoreDriver, ObjectStoreGCS)
		}
		if cfg.GCP.ProjectID == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvGCPProjectID, EnvObjectStoreDriver, ObjectStoreGCS)
		}
	case ObjectStoreS3:
		if cfg.S3.Bucket == "" || cfg.S3.Region == "" {
			return fmt.Errorf("%s and %s are required when %s=%s", EnvS3Bucket, EnvS3Region, EnvObjectStoreDriver, ObjectStoreS3)
		}
	case ObjectStoreMinIO:
		if cfg.MinIO.Endpoint == "" || cfg.MinIO.Bucket == "" {
			return fmt.Errorf("%s and %s are required when %s=%s", EnvMinIOEndpoint, EnvMinIOBucket, EnvObjectStoreDriver, ObjectStoreMinIO)
		}
	case ObjectStoreMemory:
		if cfg.App.IsProd() {
			return fmt.Errorf("%s=%s is not allowed in production", EnvObjectStoreDriver, ObjectStoreMemory)
		}
	default:
		return fmt.Errorf("unsupported %s %q", EnvObjectStoreDriver, o.Driver)
	}
	return nil
}

type GCSConfig struct {
	BucketName string `envconfig:"KILNBOOK_GCS_BUCKET_NAME"`
}

type S3Config struct {
	Bucket          string `envconfig:"KILNBOOK_S3_BUCKET"`
	Region          string `envconfig:"KILNBOOK_S3_REGION"`
	Endpoint        string `envconfig:"KILNBOOK_S3_ENDPOINT"`
	AccessKeyID     string `envconfig:"KILNBOOK_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"KILNBOOK_S3_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `envconfig:"KILNBOOK_S3_USE_PATH_STYLE" default:"false"`
}

type MinIOConfig struct {
	Endpoint        string `envconfig:"KILNBOOK_MINIO_ENDPOINT"`
	Bucket          string `envconfig:"KILNBOOK_MINIO_BUCKET"`
	Region          string `envconfig:"KILNBOOK_MINIO_REGION"`
	AccessKeyID     string `envconfig:"KILNBOOK_MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"KILNBOOK_MINIO_SECRET_ACCESS_KEY"`
	UseSSL          bool   `envconfig:"KILNBOOK_MINIO_USE_SSL" default:"true"`
}

type PhotosConfig struct {
	MaxUploadMB         int           `envconfig:"KILNBOOK_PHOTOS_MAX_UPLOAD_MB" default:"20"`
	AllowedContentTypes []string      `envconfig:"KILNBOOK_PHOTOS_ALLOWED_CONTENT_TYPES" default:"image/jpeg,image/png,image/webp,image/gif"`
	SignedURLTTL        time.Duration `envconfig:"KILNBOOK_PHOTOS_SIGNED_URL_TTL" default:"15m"`
	// UploadRateLimit caps uploads per subject per UploadRateWindow; 0 disables.
	UploadRateLimit  int           `envconfig:"KILNBOOK_PHOTOS_UPLOAD_RATE_LIMIT" default:"60"`
	UploadRateWindow time.Duration `envconfig:"KILNBOOK_PHOTOS_UPLOAD_RATE_WINDOW" default:"1m"`
}

// MaxUploadBytes converts the configured megabyte ceiling to bytes.
func (p PhotosConfig) MaxUploadBytes() int64 {
	return int64(p.MaxUploadMB) * 1024 * 1024
}

func (p PhotosConfig) validate() error {
	if p.MaxUploadMB <= 0 {
		return fmt.Errorf("%s must be positive", EnvPhotosMaxUploadMB)
	}
	if len(p.AllowedContentTypes) == 0 {
		return fmt.Errorf("%s must list at least one content type", EnvPhotosAllowedTypes)
	}
	if p.SignedURLTTL <= 0 {
		return fmt.Errorf("%s must be positive", EnvPhotosSignedURLTTL)
	}
	return nil
}

type PubSubConfig struct {
	// BlobDeletionTopic, when set, must be the topic the subscription reads.
	BlobDeletionTopic        string `envconfig:"KILNBOOK_PUBSUB_BLOB_DELETION_TOPIC"`
	BlobDeletionSubscription string `envconfig:"KILNBOOK_PUBSUB_BLOB_DELETION_SUBSCRIPTION"`
	MaxOutstandingMessages   int    `envconfig:"KILNBOOK_PUBSUB_MAX_OUTSTANDING_MESSAGES" default:"100"`
	ReceiveGoroutines        int    `envconfig:"KILNBOOK_PUBSUB_RECEIVE_GOROUTINES" default:"1"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"KILNBOOK_CRON_INTERVAL" default:"15m"`
	LockTTL           time.Duration `envconfig:"KILNBOOK_CRON_LOCK_TTL" default:"30m"`
	ReaperBatchSize   int           `envconfig:"KILNBOOK_CRON_REAPER_BATCH_SIZE" default:"100"`
	ReaperMaxAttempts int           `envconfig:"KILNBOOK_CRON_REAPER_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
