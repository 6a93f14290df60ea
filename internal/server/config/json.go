package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/schedkeeper/internal/flagx"
	"github.com/dmitrijs2005/schedkeeper/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations accept
// either "168h"-style strings or integer nanoseconds.
type JsonConfig struct {
	EndpointAddrHTTP        string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC        string         `json:"endpoint_addr_grpc"`
	DatabaseDSN             string         `json:"database_dsn"`
	SecretKey               string         `json:"secret_key"`
	SessionValidityDuration timex.Duration `json:"session_validity_duration"`
	BcryptCost              int            `json:"bcrypt_cost"`
	LogLevel                string         `json:"log_level"`
	BaseURL                 string         `json:"base_url"`
	GoogleClientID          string         `json:"google_client_id"`
	GoogleClientSecret      string         `json:"google_client_secret"`
	GoogleRedirectURL       string         `json:"google_redirect_url"`
	RedisAddr               string         `json:"redis_addr"`
	RedisPassword           string         `json:"redis_password"`
	RedisDB                 int            `json:"redis_db"`
	RateLimitCapacity       int            `json:"rate_limit_capacity"`
	RateLimitRefillInterval timex.Duration `json:"rate_limit_refill_interval"`
	AMQPURL                 string         `json:"amqp_url"`
	AMQPQueue               string         `json:"amqp_queue"`
	S3RootUser              string         `json:"s3_root_user"`
	S3RootPassword          string         `json:"s3_root_password"`
	S3Bucket                string         `json:"s3_bucket"`
	S3Region                string         `json:"s3_region"`
	S3BaseEndpoint          string         `json:"s3_base_endpoint"`
	AvatarBaseURL           string         `json:"avatar_base_url"`
}

func toJson(c *Config) *JsonConfig {
	return &JsonConfig{
		EndpointAddrHTTP:        c.EndpointAddrHTTP,
		EndpointAddrGRPC:        c.EndpointAddrGRPC,
		DatabaseDSN:             c.DatabaseDSN,
		SecretKey:               c.SecretKey,
		SessionValidityDuration: timex.Duration{Duration: c.SessionValidityDuration},
		BcryptCost:              c.BcryptCost,
		LogLevel:                c.LogLevel,
		BaseURL:                 c.BaseURL,
		GoogleClientID:          c.GoogleClientID,
		GoogleClientSecret:      c.GoogleClientSecret,
		GoogleRedirectURL:       c.GoogleRedirectURL,
		RedisAddr:               c.RedisAddr,
		RedisPassword:           c.RedisPassword,
		RedisDB:                 c.RedisDB,
		RateLimitCapacity:       c.RateLimitCapacity,
		RateLimitRefillInterval: timex.Duration{Duration: c.RateLimitRefillInterval},
		AMQPURL:                 c.AMQPURL,
		AMQPQueue:               c.AMQPQueue,
		S3RootUser:              c.S3RootUser,
		S3RootPassword:          c.S3RootPassword,
		S3Bucket:                c.S3Bucket,
		S3Region:                c.S3Region,
		S3BaseEndpoint:          c.S3BaseEndpoint,
		AvatarBaseURL:           c.AvatarBaseURL,
	}
}

func (j *JsonConfig) apply(c *Config) {
	c.EndpointAddrHTTP = j.EndpointAddrHTTP
	c.EndpointAddrGRPC = j.EndpointAddrGRPC
	c.DatabaseDSN = j.DatabaseDSN
	c.SecretKey = j.SecretKey
	c.SessionValidityDuration = j.SessionValidityDuration.Duration
	c.BcryptCost = j.BcryptCost
	c.LogLevel = j.LogLevel
	c.BaseURL = j.BaseURL
	c.GoogleClientID = j.GoogleClientID
	c.GoogleClientSecret = j.GoogleClientSecret
	c.GoogleRedirectURL = j.GoogleRedirectURL
	c.RedisAddr = j.RedisAddr
	c.RedisPassword = j.RedisPassword
	c.RedisDB = j.RedisDB
	c.RateLimitCapacity = j.RateLimitCapacity
	c.RateLimitRefillInterval = j.RateLimitRefillInterval.Duration
	c.AMQPURL = j.AMQPURL
	c.AMQPQueue = j.AMQPQueue
	c.S3RootUser = j.S3RootUser
	c.S3RootPassword = j.S3RootPassword
	c.S3Bucket = j.S3Bucket
	c.S3Region = j.S3Region
	c.S3BaseEndpoint = j.S3BaseEndpoint
	c.AvatarBaseURL = j.AvatarBaseURL
}

// parseJson overlays the file named by -c/-config onto config. Keys absent
// from the file keep their current values. An unreadable or malformed file
// panics, the same as a bad flag.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := toJson(config)
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}
