package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"
)

type InputConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	Column    string `yaml:"column" mapstructure:"column"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	Encoding  string `yaml:"encoding" mapstructure:"encoding"`
}

type LookupConfig struct {
	URLTemplate       string  `yaml:"url_template" mapstructure:"url_template"`
	ConnectTimeoutMS  int     `yaml:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	ReadTimeoutMS     int     `yaml:"read_timeout_ms" mapstructure:"read_timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

type StoreConfig struct {
	URI        string `yaml:"uri" mapstructure:"uri"`
	Database   string `yaml:"database" mapstructure:"database"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

type OutputConfig struct {
	JSONLPath  string `yaml:"jsonl_path" mapstructure:"jsonl_path"`
	XMLPath    string `yaml:"xml_path" mapstructure:"xml_path"`
	ErrorsPath string `yaml:"errors_path" mapstructure:"errors_path"`
	XMLRoot    string `yaml:"xml_root" mapstructure:"xml_root"`
	XMLItem    string `yaml:"xml_item" mapstructure:"xml_item"`
}

// RedisConfig enables the Redis mirror sink when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr" mapstructure:"addr"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// KafkaConfig enables the Kafka sink when at least one broker is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	// BatchTimeoutMS bounds how long a publish waits for a batch to fill.
	BatchTimeoutMS int `yaml:"batch_timeout_ms" mapstructure:"batch_timeout_ms"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts" mapstructure:"attempts"`
	DelayMS  int `yaml:"delay_ms" mapstructure:"delay_ms"`
}

type APIConfig struct {
	Port string `yaml:"port" mapstructure:"port"`
}

type Config struct {
	Input  InputConfig  `yaml:"input" mapstructure:"input"`
	Lookup LookupConfig `yaml:"lookup" mapstructure:"lookup"`
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Redis  RedisConfig  `yaml:"redis" mapstructure:"redis"`
	Kafka  KafkaConfig  `yaml:"kafka" mapstructure:"kafka"`
	Retry  RetryConfig  `yaml:"retry" mapstructure:"retry"`
	API    APIConfig    `yaml:"api" mapstructure:"api"`
	// Workers bounds how many lookups run at the same time.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// BatchSize is the depth of the queue between the input reader and the workers.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// LogEvery controls how often (in completed lookups) a progress line is logged.
	LogEvery int    `yaml:"log_every" mapstructure:"log_every"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// defaults holds the documented default of every key.
var defaults = map[string]any{
	"input.path":      "Lista_de_CEPs.csv",
	"input.column":    "CEP Inicial",
	"input.delimiter": ";",
	"input.encoding":  "latin1",

	"lookup.url_template":       "https://viacep.com.br/ws/{cep}/json/",
	"lookup.connect_timeout_ms": 3_000,
	"lookup.read_timeout_ms":    7_000,

	"store.uri":        "postgres://localhost:5432/ceps?sslmode=disable",
	"store.database":   "ceps",
	"store.collection": "enderecos",

	"output.jsonl_path":  "enderecos.json",
	"output.xml_path":    "enderecos.xml",
	"output.errors_path": "erros_consultas.csv",
	"output.xml_root":    "enderecos",
	"output.xml_item":    "endereco",

	"redis.prefix":           "cep:",
	"kafka.topic":            "enderecos",
	"kafka.batch_timeout_ms": 10,

	"retry.attempts": 3,
	"retry.delay_ms": 1500,

	"api.port": "8080",

	"workers":    15,
	"batch_size": 50,
	"log_every":  200,
	"log_level":  "info",
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"input.path":                 "CSV_PATH",
	"input.column":               "CSV_COLUMN",
	"input.delimiter":            "CSV_DELIMITER",
	"input.encoding":             "CSV_ENCODING",
	"lookup.url_template":        "LOOKUP_URL_TEMPLATE",
	"lookup.connect_timeout_ms":  "LOOKUP_CONNECT_TIMEOUT_MS",
	"lookup.read_timeout_ms":     "LOOKUP_READ_TIMEOUT_MS",
	"lookup.requests_per_second": "LOOKUP_RPS",
	"store.uri":                  "STORE_URI",
	"store.database":             "STORE_DB",
	"store.collection":           "STORE_COLLECTION",
	"output.jsonl_path":          "OUTPUT_JSONL",
	"output.xml_path":            "OUTPUT_XML",
	"output.errors_path":         "OUTPUT_ERRORS",
	"redis.addr":                 "REDIS_ADDR",
	"redis.prefix":               "REDIS_PREFIX",
	"kafka.brokers":              "KAFKA_BROKERS",
	"kafka.topic":                "KAFKA_TOPIC",
	"kafka.batch_timeout_ms":     "KAFKA_BATCH_TIMEOUT_MS",
	"retry.attempts":             "RETRY_ATTEMPTS",
	"retry.delay_ms":             "RETRY_DELAY_MS",
	"api.port":                   "API_PORT",
	"workers":                    "WORKERS",
	"batch_size":                 "BATCH_SIZE",
	"log_every":                  "LOG_EVERY",
	"log_level":                  "LOG_LEVEL",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	return v
}

// Default returns a configuration holding only the documented defaults.
func Default() *Config {
	var cfg Config
	// Defaults are static values of the right types; decoding them cannot fail.
	if err := newViper().Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

// Load builds the configuration from an optional YAML file, an optional .env
// file in the working directory and the process environment, in that order of
// increasing precedence. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, eris.Wrap(err, "config: resolve path")
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, eris.Wrapf(err, "config: read %s", absPath)
		}
		fileValues := map[string]any{}
		if err := yaml.Unmarshal(data, &fileValues); err != nil {
			return nil, eris.Wrapf(err, "config: parse %s", absPath)
		}
		if err := v.MergeConfigMap(fileValues); err != nil {
			return nil, eris.Wrapf(err, "config: merge %s", absPath)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", env)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: decode")
	}
	cfg.Kafka.Brokers = trimList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if len([]rune(c.Input.Delimiter)) != 1 {
		return eris.Errorf("config: input.delimiter must be a single character (got %q)", c.Input.Delimiter)
	}
	if !strings.Contains(c.Lookup.URLTemplate, "{cep}") {
		return eris.New("config: lookup.url_template must contain the {cep} placeholder")
	}
	if c.Lookup.ConnectTimeoutMS < 0 || c.Lookup.ReadTimeoutMS < 0 {
		return eris.New("config: lookup timeouts must not be negative")
	}
	if c.Lookup.RequestsPerSecond < 0 {
		return eris.New("config: lookup.requests_per_second must not be negative")
	}
	if _, err := url.Parse(c.Store.URI); err != nil {
		return eris.Wrap(err, "config: store.uri is not a valid URI")
	}
	if c.Kafka.BatchTimeoutMS < 0 {
		return eris.New("config: kafka.batch_timeout_ms must not be negative")
	}
	if c.Retry.Attempts < 1 {
		return eris.New("config: retry.attempts must be at least 1")
	}
	if c.Workers < 0 || c.BatchSize < 0 || c.LogEvery < 0 {
		return eris.New("config: workers, batch_size and log_every must not be negative")
	}
	return nil
}

// Delimiter returns the input delimiter as a rune. Validate guarantees it is a
// single character.
func (c *Config) Delimiter() rune {
	return []rune(c.Input.Delimiter)[0]
}

// trimList drops blanks left by comma-separated environment values.
func trimList(in []string) []string {
	var out []string
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
