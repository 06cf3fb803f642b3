package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB       *DBconfig
	RabbitMq *RabbitMqconfig
	Srv      *Serviceconfig
	Dispatch *Dispatchconfig
	Log      *Loggerconfig
	App      *Appconfig
}

type DBconfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

type RabbitMqconfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
}

type Serviceconfig struct {
	DispatchServicePort string
}

// Dispatchconfig carries the tuning knobs of the dispatch core.
type Dispatchconfig struct {
	PresenceTTL            time.Duration
	DefaultRadiusM         float64
	MaxRadiusM             float64
	OfferAckTimeout        time.Duration
	OfferExhaustedTimeout  time.Duration
	UserActiveCap          int
	WaveSize               int
	GeocodeRPS             float64
	GeocodeBurst           int
	PositionBroadcastEvery time.Duration
	RatingGrace            time.Duration
}

type Loggerconfig struct {
	Level string
}

type Appconfig struct {
	JwtSecret string
}

func New() (*Config, error) {
	getEnv := func(key, def string) string {
		val := os.Getenv(key)
		if val == "" {
			return def
		}
		return val
	}

	getEnvInt := func(key string, def int) int {
		valStr := os.Getenv(key)
		if valStr == "" {
			return def
		}
		val, err := strconv.Atoi(valStr)
		if err != nil {
			fmt.Printf("invalid %s, using default %v\n", key, def)
			return def
		}
		return val
	}

	getEnvFloat := func(key string, def float64) float64 {
		valStr := os.Getenv(key)
		if valStr == "" {
			return def
		}
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			fmt.Printf("invalid %s, using default %v\n", key, def)
			return def
		}
		return val
	}

	getEnvDuration := func(key string, def time.Duration) time.Duration {
		valStr := os.Getenv(key)
		if valStr == "" {
			return def
		}
		val, err := time.ParseDuration(valStr)
		if err != nil {
			fmt.Printf("invalid %s, using default %v\n", key, def)
			return def
		}
		return val
	}

	cnf := &Config{
		DB: &DBconfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "roadside_user"),
			Password: getEnv("DB_PASSWORD", "roadside_pass"),
			Database: getEnv("DB_NAME", "roadside_db"),
		},
		RabbitMq: &RabbitMqconfig{
			Host:     getEnv("RABBITMQ_HOST", "localhost"),
			Port:     getEnvInt("RABBITMQ_PORT", 5672),
			User:     getEnv("RABBITMQ_USER", "guest"),
			Password: getEnv("RABBITMQ_PASSWORD", "guest"),
			VHost:    getEnv("RABBITMQ_VHOST", ""),
		},
		Srv: &Serviceconfig{
			DispatchServicePort: getEnv("DISPATCH_SERVICE_PORT", "3000"),
		},
		Dispatch: &Dispatchconfig{
			PresenceTTL:            getEnvDuration("PRESENCE_TTL", 120*time.Second),
			DefaultRadiusM:         getEnvFloat("DEFAULT_RADIUS_M", 10000),
			MaxRadiusM:             getEnvFloat("MAX_RADIUS_M", 50000),
			OfferAckTimeout:        getEnvDuration("OFFER_ACK_T", 25*time.Second),
			OfferExhaustedTimeout:  getEnvDuration("OFFER_EXHAUSTED_T", 180*time.Second),
			UserActiveCap:          getEnvInt("USER_ACTIVE_CAP", 3),
			WaveSize:               getEnvInt("WAVE_SIZE", 3),
			GeocodeRPS:             getEnvFloat("GEOCODE_RPS", 1),
			GeocodeBurst:           getEnvInt("GEOCODE_BURST", 3),
			PositionBroadcastEvery: getEnvDuration("POSITION_BROADCAST_MIN_INTERVAL", 2*time.Second),
			RatingGrace:            getEnvDuration("RATING_GRACE", 7*24*time.Hour),
		},
		Log: &Loggerconfig{
			Level: getEnv("LOG_LEVEL", "INFO"),
		},
		App: &Appconfig{
			JwtSecret: getEnv("JWT_SECRET", "dev-secret"),
		},
	}

	return cnf, nil
}
