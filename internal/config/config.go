package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

const (
	DefaultPath           = "config.json"
	DefaultReadBufferSize = 8 * 1024
	DefaultJournalQueue   = 1024
	pathEnv               = "STOMP_CONFIG"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created with default values")
	ErrConfigInvalid = errors.New("the configuration file does not contain valid JSON")
)

type Journal struct {
	Enabled          bool   `json:"enabled"`
	Host             string `json:"host"`
	Port             uint64 `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	Database         string `json:"database"`
	UseTLS           bool   `json:"use_tls"`
	ConnectTimeout   string `json:"connect_timeout"`
	OperationTimeout string `json:"operation_timeout"`
	MinPoolSize      uint64 `json:"min_pool_size"`
	MaxPoolSize      uint64 `json:"max_pool_size"`
	QueueSize        int    `json:"queue_size"`
}

type Reactor struct {
	// Workers is the number of event loops; 0 means one per CPU.
	Workers        int `json:"workers"`
	ReadBufferSize int `json:"read_buffer_size"`
}

type Config struct {
	DebugMode bool    `json:"debug_mode"`
	AppName   string  `json:"app_name"`
	LogPath   string  `json:"log_path"`
	Reactor   Reactor `json:"reactor"`
	Journal   Journal `json:"journal"`
}

var (
	mu          sync.Mutex
	config      = Default()
	initialized = false
)

func Default() Config {
	return Config{
		AppName: "stomp-broker",
		LogPath: "logs",
		Reactor: Reactor{
			ReadBufferSize: DefaultReadBufferSize,
		},
		Journal: Journal{
			Host:             "localhost",
			Port:             27017,
			Database:         "stomp",
			ConnectTimeout:   "10s",
			OperationTimeout: "5s",
			MinPoolSize:      1,
			MaxPoolSize:      10,
			QueueSize:        DefaultJournalQueue,
		},
	}
}

func Path() string {
	if p := os.Getenv(pathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// ReadConfig loads the configuration file. A missing file is created with
// default values and ErrConfigCreated is returned along with those defaults.
func ReadConfig() (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	path := Path()
	bytes, err := os.ReadFile(path)
	if err != nil {
		config = Default()
		initialized = true
		data, _ := json.MarshalIndent(config, "", "\t")
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return config, fmt.Errorf("%w (write %s: %v)", ErrConfigCreated, path, writeErr)
		}
		return config, ErrConfigCreated
	}

	loaded := Default()
	if err = json.Unmarshal(bytes, &loaded); err != nil {
		return config, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	loaded.normalize()

	config = loaded
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig()
}

func (c *Config) normalize() {
	if c.Reactor.Workers < 0 {
		c.Reactor.Workers = 0
	}
	if c.Reactor.ReadBufferSize <= 0 {
		c.Reactor.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Journal.QueueSize <= 0 {
		c.Journal.QueueSize = DefaultJournalQueue
	}
	if c.LogPath == "" {
		c.LogPath = "logs"
	}
}
