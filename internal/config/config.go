package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	RabbitMQ  RabbitMQConfig
	Redis     RedisConfig
	Delivery  DeliveryConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RabbitMQConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	VHost    string
}

// RedisConfig configures the credit ledger backend. An empty Addr disables
// credit accounting entirely (every owner is treated as having credits).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DeliveryConfig governs the executor and the retry policy.
type DeliveryConfig struct {
	SourceQueue         string
	DeliveryExchange    string
	DeliveryRoutingKey  string
	DeliveryQueue       string
	PrefetchCount       int
	HTTPTimeoutSeconds  int
	MaxAttempts         int
	BaseDelaySeconds    int
	MaxDelaySeconds     int
	MaxResponseBodySize int
}

// SchedulerConfig governs the retry poller.
type SchedulerConfig struct {
	PollIntervalSeconds int
	BatchSize           int
}

func Load() (*Config, error) {
	var missing []string

	get := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	getInt := func(key string, def int) int {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			missing = append(missing, key+" (must be a non-negative integer)")
			return def
		}
		return n
	}

	config := &Config{
		Server: ServerConfig{
			Port: get("SERVER_PORT"),
			Host: get("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:     get("DB_HOST"),
			Port:     get("DB_PORT"),
			User:     get("DB_USER"),
			Password: get("DB_PASSWORD"),
			DBName:   get("DB_NAME"),
			SSLMode:  get("DB_SSLMODE"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      os.Getenv("RABBITMQ_URL"),
			Host:     get("RABBITMQ_HOST"),
			Port:     get("RABBITMQ_PORT"),
			User:     get("RABBITMQ_USER"),
			Password: get("RABBITMQ_PASSWORD"),
			VHost:    get("RABBITMQ_VHOST"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		Delivery: DeliveryConfig{
			SourceQueue:         get("SOURCE_QUEUE"),
			DeliveryExchange:    os.Getenv("DELIVERY_EXCHANGE"),
			DeliveryRoutingKey:  get("DELIVERY_ROUTING_KEY"),
			DeliveryQueue:       get("DELIVERY_QUEUE"),
			PrefetchCount:       getInt("DELIVERY_PREFETCH_COUNT", 16),
			HTTPTimeoutSeconds:  getInt("DELIVERY_HTTP_TIMEOUT_SECONDS", 15),
			MaxAttempts:         getInt("DELIVERY_MAX_ATTEMPTS", 5),
			BaseDelaySeconds:    getInt("DELIVERY_BASE_DELAY_SECONDS", 30),
			MaxDelaySeconds:     getInt("DELIVERY_MAX_DELAY_SECONDS", 3600),
			MaxResponseBodySize: getInt("DELIVERY_MAX_RESPONSE_BODY_SIZE", 4096),
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: getInt("SCHEDULER_POLL_INTERVAL_SECONDS", 10),
			BatchSize:           getInt("SCHEDULER_BATCH_SIZE", 100),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return config, nil
}

// ConnectionString returns a DSN string for GORM
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}
