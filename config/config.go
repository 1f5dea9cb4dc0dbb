package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       App       `yaml:"app"`
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Capture   Capture   `yaml:"capture"`
	Pool      Pool      `yaml:"pool"`
	Bitrate   Bitrate   `yaml:"bitrate"`
	Retention Retention `yaml:"retention"`
	Queue     *RabbitMQ `yaml:"rabbitmq"`
}

type App struct {
	Environment string `yaml:"environment"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Capture struct {
	RecordingsRoot   string        `yaml:"recordings_root"`
	ChunkDuration    time.Duration `yaml:"chunk_duration"`
	FrameRate        int           `yaml:"frame_rate"`
	MaxStartAttempts int           `yaml:"max_start_attempts"`
	ResumeDelay      time.Duration `yaml:"resume_delay"`
	DisplayDebounce  time.Duration `yaml:"display_debounce"`
}

type Pool struct {
	Capacity int `yaml:"capacity"`
}

type Bitrate struct {
	DailyBudgetBytes int64   `yaml:"daily_budget_bytes"`
	BaseBitrate      int     `yaml:"base_bitrate"`
	WindowSize       int     `yaml:"window_size"`
	Tolerance        float64 `yaml:"tolerance"`
	MinMultiplier    float64 `yaml:"min_multiplier"`
	MaxMultiplier    float64 `yaml:"max_multiplier"`
	MinChange        float64 `yaml:"min_change"`
	Smoothing        float64 `yaml:"smoothing"`
	HistoryLimit     int     `yaml:"history_limit"`
}

type Retention struct {
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	HardDeleteGrace     time.Duration `yaml:"hard_delete_grace"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
	Enabled      bool   `json:"enabled"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		return nil, err
	}

	rabbitmq := &RabbitMQ{
		Host:         viper.GetString("rabbitmq_host"),
		Port:         viper.GetInt("rabbitmq_port"),
		User:         viper.GetString("rabbitmq_user"),
		Pass:         viper.GetString("rabbitmq_pass"),
		Kind:         viper.GetString("rabbitmq_kind"),
		ExchangeName: viper.GetString("rabbitmq_exchange"),
		Enabled:      viper.GetBool("rabbitmq_enabled"),
	}

	return &Config{
		App: App{
			Environment: viper.GetString("app.environment"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
		},
		Database: Database{
			Path: viper.GetString("database.path"),
		},
		Capture: Capture{
			RecordingsRoot:   viper.GetString("capture.recordings_root"),
			ChunkDuration:    viper.GetDuration("capture.chunk_duration"),
			FrameRate:        viper.GetInt("capture.frame_rate"),
			MaxStartAttempts: viper.GetInt("capture.max_start_attempts"),
			ResumeDelay:      viper.GetDuration("capture.resume_delay"),
			DisplayDebounce:  viper.GetDuration("capture.display_debounce"),
		},
		Pool: Pool{
			Capacity: viper.GetInt("pool.capacity"),
		},
		Bitrate: Bitrate{
			DailyBudgetBytes: viper.GetInt64("bitrate.daily_budget_bytes"),
			BaseBitrate:      viper.GetInt("bitrate.base_bitrate"),
			WindowSize:       viper.GetInt("bitrate.window_size"),
			Tolerance:        viper.GetFloat64("bitrate.tolerance"),
			MinMultiplier:    viper.GetFloat64("bitrate.min_multiplier"),
			MaxMultiplier:    viper.GetFloat64("bitrate.max_multiplier"),
			MinChange:        viper.GetFloat64("bitrate.min_change"),
			Smoothing:        viper.GetFloat64("bitrate.smoothing"),
			HistoryLimit:     viper.GetInt("bitrate.history_limit"),
		},
		Retention: Retention{
			MaintenanceInterval: viper.GetDuration("retention.maintenance_interval"),
			HardDeleteGrace:     viper.GetDuration("retention.hard_delete_grace"),
		},
		Queue: rabbitmq,
	}, nil
}

func setDefaults() {
	viper.SetDefault("app.environment", "develop")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("database.path", "data/capture.db")
	viper.SetDefault("capture.recordings_root", "data/recordings")
	viper.SetDefault("capture.chunk_duration", "15s")
	viper.SetDefault("capture.frame_rate", 10)
	viper.SetDefault("capture.max_start_attempts", 5)
	viper.SetDefault("capture.resume_delay", "1500ms")
	viper.SetDefault("capture.display_debounce", "500ms")
	viper.SetDefault("pool.capacity", 100)
	viper.SetDefault("bitrate.daily_budget_bytes", int64(2)<<30)
	viper.SetDefault("bitrate.base_bitrate", 1_000_000)
	viper.SetDefault("bitrate.window_size", 4)
	viper.SetDefault("bitrate.tolerance", 0.10)
	viper.SetDefault("bitrate.min_multiplier", 0.4)
	viper.SetDefault("bitrate.max_multiplier", 2.0)
	viper.SetDefault("bitrate.min_change", 0.005)
	viper.SetDefault("bitrate.smoothing", 0.8)
	viper.SetDefault("bitrate.history_limit", 50)
	viper.SetDefault("retention.maintenance_interval", "1h")
	viper.SetDefault("retention.hard_delete_grace", "168h")
	viper.SetDefault("rabbitmq_kind", "topic")
	viper.SetDefault("rabbitmq_exchange", "capture_exchange")
}
