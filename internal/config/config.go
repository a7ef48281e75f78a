// Package config resolves service settings from .env, the process environment
// and command line flags, in increasing order of precedence.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Host string
	Port string

	ModelURL        string
	ModelPath       string
	ModelMinBytes   int64
	ModelSHA256     string
	DownloadMode    string
	DownloadRetries int
	DownloadTimeout time.Duration

	LabelsPath string
	LabelStyle string

	ImageSize    int
	TensorLayout string
	InputName    string
	OutputName   string
	ORTLibPath   string
	ORTThreads   int

	CORSOrigins     []string
	CORSCredentials bool
	MaxUploadBytes  int64

	RedisURL string
	CacheTTL time.Duration

	LogLevel  string
	LogFormat string
	Metrics   bool
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

var defaults = map[string]any{
	"host":             "0.0.0.0",
	"port":             "8000",
	"model_url":        "",
	"model_path":       "./model0001.onnx",
	"model_min_bytes":  1000,
	"model_sha256":     "",
	"download_mode":    "auto",
	"download_retries": 3,
	"download_timeout": "10m",
	"labels_path":      "",
	"label_style":      "underscore",
	"image_size":       128,
	"tensor_layout":    "nhwc",
	"input_name":       "",
	"output_name":      "",
	"ort_lib_path":     "",
	"ort_threads":      0,
	"cors_origins":     "*",
	"cors_credentials": true,
	"max_upload_bytes": 10 << 20,
	"redis_url":        "",
	"cache_ttl":        "1h",
	"log_level":        "info",
	"log_format":       "json",
	"metrics":          true,
}

// flagKeys maps command line flag names onto config keys.
var flagKeys = map[string]string{
	"host":        "host",
	"port":        "port",
	"model-url":   "model_url",
	"model-path":  "model_path",
	"labels":      "labels_path",
	"label-style": "label_style",
	"log-level":   "log_level",
}

// RegisterFlags adds the flags understood by Load to the given set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("host", "", "listen host (HOST)")
	flags.String("port", "", "listen port (PORT)")
	flags.String("model-url", "", "where to fetch the model from when it is missing (MODEL_URL)")
	flags.String("model-path", "", "local model file (MODEL_PATH)")
	flags.String("labels", "", "class label file, text or metadata JSON (LABELS_PATH)")
	flags.String("label-style", "", "underscore or space (LABEL_STYLE)")
	flags.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
}

// Load reads .env if present, then the environment, then any changed flags.
// flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, errors.Wrap(err, "failed to read .env")
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "failed to bind flag %q", name)
			}
		}
	}

	cfg := &Config{
		Host:            v.GetString("host"),
		Port:            v.GetString("port"),
		ModelURL:        strings.TrimSpace(v.GetString("model_url")),
		ModelPath:       v.GetString("model_path"),
		ModelMinBytes:   v.GetInt64("model_min_bytes"),
		ModelSHA256:     strings.ToLower(strings.TrimSpace(v.GetString("model_sha256"))),
		DownloadMode:    strings.ToLower(v.GetString("download_mode")),
		DownloadRetries: v.GetInt("download_retries"),
		DownloadTimeout: v.GetDuration("download_timeout"),
		LabelsPath:      v.GetString("labels_path"),
		LabelStyle:      strings.ToLower(v.GetString("label_style")),
		ImageSize:       v.GetInt("image_size"),
		TensorLayout:    strings.ToLower(v.GetString("tensor_layout")),
		InputName:       v.GetString("input_name"),
		OutputName:      v.GetString("output_name"),
		ORTLibPath:      v.GetString("ort_lib_path"),
		ORTThreads:      v.GetInt("ort_threads"),
		CORSOrigins:     splitList(v.GetString("cors_origins")),
		CORSCredentials: v.GetBool("cors_credentials"),
		MaxUploadBytes:  v.GetInt64("max_upload_bytes"),
		RedisURL:        v.GetString("redis_url"),
		CacheTTL:        v.GetDuration("cache_ttl"),
		LogLevel:        strings.ToLower(v.GetString("log_level")),
		LogFormat:       strings.ToLower(v.GetString("log_format")),
		Metrics:         v.GetBool("metrics"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must not be empty")
	}
	if c.ModelPath == "" {
		return errors.New("model path must not be empty")
	}
	if err := oneOf("download mode", c.DownloadMode, "auto", "http", "drive", "s3"); err != nil {
		return err
	}
	if err := oneOf("label style", c.LabelStyle, "underscore", "space"); err != nil {
		return err
	}
	if err := oneOf("tensor layout", c.TensorLayout, "nhwc", "nchw"); err != nil {
		return err
	}
	if err := oneOf("log format", c.LogFormat, "json", "console"); err != nil {
		return err
	}
	if c.ImageSize <= 0 {
		return errors.Errorf("image size must be positive, got %d", c.ImageSize)
	}
	if c.MaxUploadBytes <= 0 {
		return errors.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.ModelMinBytes < 0 {
		return errors.Errorf("model min bytes must not be negative, got %d", c.ModelMinBytes)
	}
	if c.DownloadRetries < 0 {
		return errors.Errorf("download retries must not be negative, got %d", c.DownloadRetries)
	}
	if len(c.CORSOrigins) == 0 {
		return errors.New("at least one CORS origin is required")
	}
	return nil
}

func oneOf(what, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return errors.Errorf("invalid %s %q, expected one of %s", what, got, strings.Join(allowed, ", "))
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
