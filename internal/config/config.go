package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store kinds of the server record tables.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Server configures the RPC server, CLI flags override it.
type Server struct {
	Port            int           `env:"PORT,default=2412"`
	Store           string        `env:"STORE,default=memory"`
	BadgerFilepath  string        `env:"BADGER_FILEPATH,default=./data/badger"`
	SQLiteFilepath  string        `env:"SQLITE_FILEPATH,default=./data/records.db"`
	BatchPeriod     time.Duration `env:"BATCH_PERIOD,default=100ms"`
	BufferSize      int           `env:"BUFFER_SIZE,default=1000"`
	ChangeRetention int           `env:"CHANGE_RETENTION,default=1000"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=5s"`
	MonitorPeriod   time.Duration `env:"MONITOR_PERIOD,default=5s"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
}

// Client configures the chat client, CLI flags override it.
type Client struct {
	ServerUrl     string        `env:"SERVER_URL,default=127.0.0.1:2412"`
	PollPeriod    time.Duration `env:"POLL_PERIOD,default=500ms"`
	SendPeriod    time.Duration `env:"SEND_PERIOD,default=0s"`
	PrintPeriod   time.Duration `env:"PRINT_PERIOD,default=2s"`
	MonitorPeriod time.Duration `env:"MONITOR_PERIOD,default=5s"`
	LogLevel      string        `env:"LOG_LEVEL,default=INFO"`
}

// Validate checks the store settings.
func (c Server) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreBadger:
		if c.BadgerFilepath == "" {
			return fmt.Errorf("%s: empty", "BADGER_FILEPATH")
		}
	case StoreSQLite:
		if c.SQLiteFilepath == "" {
			return fmt.Errorf("%s: empty", "SQLITE_FILEPATH")
		}
	default:
		return fmt.Errorf("store %q: unsupported (%s, %s, %s)", c.Store, StoreMemory, StoreBadger, StoreSQLite)
	}
	if c.Port <= 0 {
		return fmt.Errorf("%s: must be GT 0", "PORT")
	}

	return nil
}

// LoadServer reads the server config from the environment (and an optional .env file).
func LoadServer() (Server, error) {
	var cfg Server
	if err := load(&cfg); err != nil {
		return Server{}, err
	}

	return cfg, nil
}

// LoadClient reads the client config from the environment (and an optional .env file).
func LoadClient() (Client, error) {
	var cfg Client
	if err := load(&cfg); err != nil {
		return Client{}, err
	}

	return cfg, nil
}

func load(cfg interface{}) error {
	_ = godotenv.Load()

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	return nil
}
