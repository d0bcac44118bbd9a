// Package config defines configuration parsing and helpers.
//
// Configuration is read from a YAML file, then overridden by environment
// variables, then by command line flags. The loaded Config is read-only
// after Load returns.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Well-known API endpoints selectable with --api.
const (
	ProdAPI = "https://api.cacophony.org.nz"
	TestAPI = "https://api-test.cacophony.org.nz"
	IRAPI   = "https://api-ir.cacophony.org.nz"
)

// Tagging holds the per-prediction filtering thresholds.
type Tagging struct {
	MinConfidence          float64  `yaml:"min_confidence" validate:"gte=0,lte=1"`
	MinTagConfidence       float64  `yaml:"min_tag_confidence" validate:"gte=0,lte=1"`
	MaxTagNovelty          float64  `yaml:"max_tag_novelty" validate:"gte=0,lte=1"`
	MinTagClarity          float64  `yaml:"min_tag_clarity" validate:"gte=0,lte=1"`
	MinTagClaritySecondary float64  `yaml:"min_tag_clarity_secondary" validate:"gte=0,lte=1"`
	IgnoreTags             []string `yaml:"ignore_tags"`
}

// Thermal configures the thermal (and IR classification) pipelines.
type Thermal struct {
	ClassifyImage              string  `yaml:"classify_image"`
	ClassifyCmd                string  `yaml:"classify_cmd"`
	TrackCmd                   string  `yaml:"track_cmd"`
	WallabyDevices             []int64 `yaml:"wallaby_devices"`
	MasterTag                  string  `yaml:"master_tag"`
	CacheClipsBiggerThan       float64 `yaml:"cache_clips_bigger_than"`
	AnalyseWorkers             int     `yaml:"analyse_workers"`
	TrackingWorkers            int     `yaml:"tracking_workers"`
	DoRetrack                  bool    `yaml:"do_retrack"`
	FilterFalsePositive        bool    `yaml:"filter_false_positive"`
	FalsePositiveMinConfidence float64 `yaml:"false_positive_min_confidence"`
	MaxTracks                  int     `yaml:"max_tracks"`
	Tagging                    Tagging `yaml:"tagging"`
}

// Audio configures the audio analysis pipelines.
type Audio struct {
	AnalysisCommand string `yaml:"analysis_command"`
	AnalysisTag     string `yaml:"analysis_tag"`
	AnalysisWorkers int    `yaml:"analysis_workers"`
	ConvertWorkers  int    `yaml:"convert_workers"`
}

// IR configures the infrared video pipelines.
type IR struct {
	TrackingWorkers int `yaml:"tracking_workers"`
	AnalyseWorkers  int `yaml:"analyse_workers"`
}

// Trailcam configures the trail camera image pipeline.
type Trailcam struct {
	RunCmd       string `yaml:"run_cmd"`
	TrailWorkers int    `yaml:"trail_workers"`
}

// Config holds all worker host configuration.
type Config struct {
	APIURL                string        `yaml:"api_url" env:"PROCESSING_API_URL" validate:"required,url"`
	APIUser               string        `yaml:"api_user" env:"PROCESSING_API_USER" validate:"required"`
	APIPassword           string        `yaml:"api_password" env:"PROCESSING_API_PASSWORD" validate:"required"`
	TempDir               string        `yaml:"temp_dir" env:"PROCESSING_TEMP_DIR"`
	NoRecordingsWaitSecs  int           `yaml:"no_recordings_wait_secs"`
	NoJobSleepSeconds     int           `yaml:"no_job_sleep_seconds"`
	SubprocessTimeoutSecs int           `yaml:"subprocess_timeout"`
	RestartAfter          time.Duration `yaml:"-"`
	RestartAfterHours     float64       `yaml:"restart_after"`

	Thermal  Thermal  `yaml:"thermal"`
	Audio    Audio    `yaml:"audio"`
	IR       IR       `yaml:"ir"`
	Trailcam Trailcam `yaml:"trailcam"`

	OTLPEndpoint    string `yaml:"-" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `yaml:"-" env:"OTEL_SERVICE_NAME" envDefault:"cacophony-processing"`
	MetricsAddr     string `yaml:"metrics_addr" env:"PROCESSING_METRICS_ADDR" envDefault:":9090"`
	AppEnv          string `yaml:"-" env:"APP_ENV" envDefault:"prod"`
}

// Load reads the YAML config at path and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	cfg.RestartAfter = time.Duration(cfg.RestartAfterHours * float64(time.Hour))
	return cfg, nil
}

// Validate checks the loaded configuration. A failure here is fatal at
// startup.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}
	if c.Thermal.MasterTag == "" {
		return fmt.Errorf("op=config.Validate: thermal.master_tag must be set")
	}
	return nil
}

// IsDev reports whether the host runs in development mode.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }

// NoRecordingsWait is the long dispatcher sleep when every processor is idle.
func (c Config) NoRecordingsWait() time.Duration {
	return time.Duration(c.NoRecordingsWaitSecs) * time.Second
}

// NoJobSleep is the per-processor empty poll back-off window.
func (c Config) NoJobSleep() time.Duration {
	return time.Duration(c.NoJobSleepSeconds) * time.Second
}

// SubprocessTimeout is the hard deadline for one classifier invocation.
func (c Config) SubprocessTimeout() time.Duration {
	return time.Duration(c.SubprocessTimeoutSecs) * time.Second
}

// IsWallabyDevice reports whether the device is expected to see wallabies,
// which enables wallaby-only models in master tag resolution.
func (c Config) IsWallabyDevice(deviceID int64) bool {
	for _, id := range c.Thermal.WallabyDevices {
		if id == deviceID {
			return true
		}
	}
	return false
}

// ResolveAPI maps the --api shorthand (prod, test, ir) to a URL; anything
// else is taken as a literal URL.
func ResolveAPI(api string) string {
	switch api {
	case "prod":
		return ProdAPI
	case "test":
		return TestAPI
	case "ir":
		return IRAPI
	default:
		return api
	}
}

func defaults() Config {
	return Config{
		TempDir:               os.TempDir(),
		NoRecordingsWaitSecs:  30,
		NoJobSleepSeconds:     30,
		SubprocessTimeoutSecs: 20 * 60,
		Thermal: Thermal{
			MasterTag:                  "Master",
			CacheClipsBiggerThan:       0,
			AnalyseWorkers:             1,
			TrackingWorkers:            1,
			FalsePositiveMinConfidence: 0.7,
			MaxTracks:                  10,
			Tagging: Tagging{
				MinConfidence:          0.4,
				MinTagConfidence:       0.8,
				MaxTagNovelty:          0.7,
				MinTagClarity:          0.2,
				MinTagClaritySecondary: 0.05,
			},
		},
		Audio:    Audio{AnalysisWorkers: 1, ConvertWorkers: 1},
		IR:       IR{TrackingWorkers: 1, AnalyseWorkers: 1},
		Trailcam: Trailcam{TrailWorkers: 1},
	}
}
