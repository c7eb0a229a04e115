package config

import (
	"os"
	"strconv"
	"strings"
)

var (
	TLS_DOMAINS  = ""                      // e.g. "example.com,example2.com"
	PUBLIC_URL   = "http://localhost:8080" // How other hosts reach us. Used as sender_host / requestor_host
	MYSQL_DSN    = ""                      // MySQL will be used if this is set
	SQLITE_FILE  = "pdserver.db"           // SQLite will be used if MYSQL_DSN is not configured
	BIND_ADDRESS = "0.0.0.0:8080"
	DEBUG_MODE   = true
	PUSH_SERVER  = "" // e.g. "https://push.example.com", empty disables push notifications
	ACCOUNT_APP  = "info.freezr.account"
	PUBLIC_USER  = "public" // Fixed system user whose data needs no contact relationship

	// User files. S3 is used if S3_BUCKET is set, otherwise FILES_DIR on local disk
	FILES_DIR     = "./userfiles"
	S3_BUCKET     = ""
	S3_REGION     = "us-east-1"
	S3_ENDPOINT   = "" // For S3 compatible services (minio, wasabi, etc)
	S3_ACCESS_KEY = ""
	S3_SECRET_KEY = ""
	S3_PREFIX     = ""

	// Token lifetimes, in seconds
	VALIDATION_TOKEN_TTL = 5 * 60
	ACCESS_TOKEN_TTL     = 30 * 86400
	FILE_TOKEN_TTL       = 3600
	FILE_TOKENS_DURABLE  = false // Write file tokens through to the DB, needed when running more than one replica

	// Cross-host calls (transmit, verify, remote validate)
	FEDERATION_TIMEOUT_MS = 2000
	FEDERATION_PARALLEL   = 8
)

func init() {
	readEnvString("TLS_DOMAINS", &TLS_DOMAINS)
	readEnvString("PUBLIC_URL", &PUBLIC_URL)
	readEnvString("MYSQL_DSN", &MYSQL_DSN)
	readEnvString("SQLITE_FILE", &SQLITE_FILE)
	readEnvString("BIND_ADDRESS", &BIND_ADDRESS)
	readEnvBool("DEBUG_MODE", &DEBUG_MODE)
	readEnvString("PUSH_SERVER", &PUSH_SERVER)
	readEnvString("ACCOUNT_APP", &ACCOUNT_APP)
	readEnvString("PUBLIC_USER", &PUBLIC_USER)
	readEnvString("FILES_DIR", &FILES_DIR)
	readEnvString("S3_BUCKET", &S3_BUCKET)
	readEnvString("S3_REGION", &S3_REGION)
	readEnvString("S3_ENDPOINT", &S3_ENDPOINT)
	readEnvString("S3_ACCESS_KEY", &S3_ACCESS_KEY)
	readEnvString("S3_SECRET_KEY", &S3_SECRET_KEY)
	readEnvString("S3_PREFIX", &S3_PREFIX)
	readEnvInt("VALIDATION_TOKEN_TTL", &VALIDATION_TOKEN_TTL)
	readEnvInt("ACCESS_TOKEN_TTL", &ACCESS_TOKEN_TTL)
	readEnvInt("FILE_TOKEN_TTL", &FILE_TOKEN_TTL)
	readEnvBool("FILE_TOKENS_DURABLE", &FILE_TOKENS_DURABLE)
	readEnvInt("FEDERATION_TIMEOUT_MS", &FEDERATION_TIMEOUT_MS)
	readEnvInt("FEDERATION_PARALLEL", &FEDERATION_PARALLEL)
}

func readEnvString(name string, value *string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*value = v
}

func readEnvBool(name string, value *bool) {
	v := strings.ToLower(os.Getenv(name))
	if v == "true" || v == "1" || v == "yes" || v == "on" {
		*value = true
	} else if v == "false" || v == "0" || v == "no" || v == "off" {
		*value = false
	}
}

func readEnvInt(name string, value *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*value = f
}
