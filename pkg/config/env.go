package config

// EnvPrefix namespaces every variable read by Load.
const EnvPrefix = "KILNBOOK"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	defaultSQLiteDSN = "file:kilnbook.db?_foreign_keys=on"
)

const (
	ObjectStoreGCS    = "gcs"
	ObjectStoreS3     = "s3"
	ObjectStoreMinIO  = "minio"
	ObjectStoreMemory = "memory"
)

const (
	EnvAppEnv   = "KILNBOOK_APP_ENV"
	EnvPort     = "KILNBOOK_APP_PORT"
	EnvLogLevel = "KILNBOOK_LOG_LEVEL"

	EnvDBDSN    = "KILNBOOK_DB_DSN"
	EnvDBDriver = "KILNBOOK_DB_DRIVER"
	EnvDBHost   = "KILNBOOK_DB_HOST"
	EnvDBUser   = "KILNBOOK_DB_USER"
	EnvDBName   = "KILNBOOK_DB_NAME"

	EnvRedisURL = "KILNBOOK_REDIS_URL"

	EnvJWTSecret  = "KILNBOOK_JWT_SECRET"
	EnvJWTIssuer  = "KILNBOOK_JWT_ISSUER"
	EnvJWTExpMins = "KILNBOOK_JWT_EXPIRATION_MINUTES"

	EnvUseSQLite   = "KILNBOOK_USE_SQLITE"
	EnvAutoMigrate = "KILNBOOK_AUTO_MIGRATE"

	EnvGCPProjectID = "KILNBOOK_GCP_PROJECT_ID"

	EnvObjectStoreDriver     = "KILNBOOK_OBJECT_STORE_DRIVER"
	EnvObjectStoreTimeout    = "KILNBOOK_OBJECT_STORE_TIMEOUT"
	EnvObjectStoreMaxRetries = "KILNBOOK_OBJECT_STORE_MAX_RETRIES"

	EnvGCSBucket = "KILNBOOK_GCS_BUCKET_NAME"

	EnvS3Bucket   = "KILNBOOK_S3_BUCKET"
	EnvS3Region   = "KILNBOOK_S3_REGION"
	EnvS3Endpoint = "KILNBOOK_S3_ENDPOINT"

	EnvMinIOEndpoint = "KILNBOOK_MINIO_ENDPOINT"
	EnvMinIOBucket   = "KILNBOOK_MINIO_BUCKET"

	EnvPhotosMaxUploadMB  = "KILNBOOK_PHOTOS_MAX_UPLOAD_MB"
	EnvPhotosAllowedTypes = "KILNBOOK_PHOTOS_ALLOWED_CONTENT_TYPES"
	EnvPhotosSignedURLTTL = "KILNBOOK_PHOTOS_SIGNED_URL_TTL"

	EnvPubSubBlobDeletionTopic = "KILNBOOK_PUBSUB_BLOB_DELETION_TOPIC"
	EnvPubSubBlobDeletionSub   = "KILNBOOK_PUBSUB_BLOB_DELETION_SUBSCRIPTION"

	EnvCronInterval = "KILNBOOK_CRON_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
