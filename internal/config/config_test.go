package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("FRAMESTREAM_PIPELINE_SAMPLE_INTERVAL", "10")

	path := writeConfig(t, "framestream.yaml", `
pipeline:
  queue_capacity: 50
storage:
  backend: memory
analysis:
  stub: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Pipeline.SampleInterval != 10 {
		t.Fatalf("env override ignored: interval = %d", cfg.Pipeline.SampleInterval)
	}
	if cfg.Pipeline.QueueCapacity != 50 {
		t.Fatalf("queue capacity = %d", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Streams.Group != "vlm_processors" || cfg.Streams.ResultStream != "analysis-results" {
		t.Fatalf("stream defaults wrong: %+v", cfg.Streams)
	}
	if cfg.Analysis.Timeout != 30*time.Second {
		t.Fatalf("analysis timeout default = %s", cfg.Analysis.Timeout)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "framestream.toml", `
[pipeline]
sample_interval = 5
model_name = "vlm_v2"

[storage]
backend = "sqlite"
data_dir = "/tmp/framestream"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Pipeline.SampleInterval != 5 || cfg.Pipeline.ModelName != "vlm_v2" {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
}

func TestValidateRejectsZeroInterval(t *testing.T) {
	path := writeConfig(t, "framestream.yaml", `
pipeline:
  sample_interval: 0
storage:
  backend: memory
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation failure for interval 0")
	}
}

func TestValidateRejectsZeroCapacity(t *testing.T) {
	cfg := defaultConfig()
	cfg.Pipeline.QueueCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure for capacity 0")
	}
}

func TestValidateStorageBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Storage.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure for unknown backend")
	}
}

func TestValidateKafkaRequiresBrokers(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingest.Kafka.Enabled = true
	cfg.Ingest.Kafka.GroupID = "g"
	cfg.Ingest.Kafka.Topics = []string{"frames"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure without brokers")
	}
	cfg.Ingest.Kafka.Brokers = []string{"127.0.0.1:9092"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateStreamsMustDiffer(t *testing.T) {
	cfg := defaultConfig()
	cfg.Streams.FrameStream = "x"
	cfg.Streams.ResultStream = "x"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure for equal stream names")
	}
}

func defaultConfig() Config {
	return Config{
		Pipeline: PipelineConfig{SampleInterval: 30, QueueCapacity: 100, ModelName: "deepstream_vlm_v1"},
		Storage:  StorageConfig{Backend: "memory"},
		Streams:  StreamsConfig{FrameStream: "frame-metadata", ResultStream: "analysis-results", Group: "vlm_processors", Consumer: "framestream_worker"},
		Analysis: AnalysisConfig{URL: "http://localhost:8000/vlm/analyze", Timeout: time.Second},
	}
}
