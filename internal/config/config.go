package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Streams  StreamsConfig  `mapstructure:"streams"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Server   ServerConfig   `mapstructure:"server"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

type PipelineConfig struct {
	SampleInterval      uint64 `mapstructure:"sample_interval"`
	QueueCapacity       int    `mapstructure:"queue_capacity"`
	ModelName           string `mapstructure:"model_name"`
	RecordFrameMetadata bool   `mapstructure:"record_frame_metadata"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

type StreamsConfig struct {
	FrameStream  string `mapstructure:"frame_stream"`
	ResultStream string `mapstructure:"result_stream"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`
}

type AnalysisConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Stub    bool          `mapstructure:"stub"`
}

type ServerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
}

type RabbitMQConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	Queue         string `mapstructure:"queue"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
	Workers       int    `mapstructure:"workers"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("framestream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.sample_interval", 30)
	v.SetDefault("pipeline.queue_capacity", 100)
	v.SetDefault("pipeline.model_name", "deepstream_vlm_v1")
	v.SetDefault("pipeline.record_frame_metadata", true)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("streams.frame_stream", "frame-metadata")
	v.SetDefault("streams.result_stream", "analysis-results")
	v.SetDefault("streams.group", "vlm_processors")
	v.SetDefault("streams.consumer", "framestream_worker")
	v.SetDefault("analysis.url", "http://localhost:8000/vlm/analyze")
	v.SetDefault("analysis.timeout", 30*time.Second)
	v.SetDefault("server.network", "tcp")
	v.SetDefault("server.address", "127.0.0.1:7420")
	v.SetDefault("ingest.kafka.group_id", "framestream")
	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 2)
}

// Validate rejects invalid tunables instead of clamping them.
func (c Config) Validate() error {
	if c.Pipeline.SampleInterval < 1 {
		return fmt.Errorf("pipeline.sample_interval must be >= 1, got %d", c.Pipeline.SampleInterval)
	}
	if c.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("pipeline.queue_capacity must be >= 1, got %d", c.Pipeline.QueueCapacity)
	}
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.backend must be sqlite or memory, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required for the sqlite backend")
	}
	if c.Streams.FrameStream == c.Streams.ResultStream {
		return fmt.Errorf("streams.frame_stream and streams.result_stream must differ")
	}
	if !c.Analysis.Stub && c.Analysis.URL == "" {
		return fmt.Errorf("analysis.url is required unless analysis.stub is enabled")
	}
	if c.Server.Enabled && c.Server.Network == "unix" && c.Server.UnixSocketPath == "" {
		return fmt.Errorf("server.unix_socket_path is required for unix network")
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 {
			return fmt.Errorf("ingest.kafka.brokers is required")
		}
		if len(c.Ingest.Kafka.Topics) == 0 {
			return fmt.Errorf("ingest.kafka.topics is required")
		}
		if c.Ingest.Kafka.GroupID == "" {
			return fmt.Errorf("ingest.kafka.group_id is required")
		}
	}
	if c.Ingest.RabbitMQ.Enabled {
		if c.Ingest.RabbitMQ.URL == "" {
			return fmt.Errorf("ingest.rabbitmq.url is required")
		}
		if c.Ingest.RabbitMQ.Queue == "" {
			return fmt.Errorf("ingest.rabbitmq.queue is required")
		}
		if c.Ingest.RabbitMQ.PrefetchCount < 1 {
			return fmt.Errorf("ingest.rabbitmq.prefetch_count must be >= 1")
		}
		if c.Ingest.RabbitMQ.Workers < 1 {
			return fmt.Errorf("ingest.rabbitmq.workers must be >= 1")
		}
	}
	return nil
}
