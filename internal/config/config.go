// Package config loads the engine configuration from defaults, an optional
// YAML file and MATCHENGINE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// MATCHENGINE_MONGO_URI or MATCHENGINE_ENGINE_WORKERS.
const EnvPrefix = "MATCHENGINE"

// Config holds all application configuration.
type Config struct {
	Mongo   MongoConfig   `mapstructure:"mongo" validate:"required"`
	Engine  EngineConfig  `mapstructure:"engine" validate:"required"`
	Log     LogConfig     `mapstructure:"log" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MongoConfig points at the document store. Reads go to ReadOnlyURI when
// it is set.
type MongoConfig struct {
	URI         string `mapstructure:"uri" validate:"required,startswith=mongodb"`
	ReadOnlyURI string `mapstructure:"read_only_uri" validate:"omitempty,startswith=mongodb"`
	Database    string `mapstructure:"database" validate:"required"`
}

// EngineConfig configures the worker pool.
type EngineConfig struct {
	Workers              int                 `mapstructure:"workers" validate:"gte=1,lte=1024"`
	TrialMatchCollection string              `mapstructure:"trial_match_collection" validate:"required"`
	Indices              map[string][]string `mapstructure:"indices" validate:"dive,keys,required,endkeys,dive,required"`
	ProgressEvery        int64               `mapstructure:"progress_every" validate:"gte=1"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// DefaultIndices are the indexes a matching run relies on.
func DefaultIndices() map[string][]string {
	return map[string][]string{
		"clinical": {"SAMPLE_ID", "ONCOTREE_PRIMARY_DIAGNOSIS_NAME", "VITAL_STATUS", "BIRTH_DATE_INT", "GENDER"},
		"genomic":  {"CLINICAL_ID", "SAMPLE_ID", "TRUE_HUGO_SYMBOL", "TRUE_PROTEIN_CHANGE", "VARIANT_CATEGORY", "WILDTYPE"},
		"trial":    {"protocol_no", "nct_id", "_summary.status.value"},
		"trial_match": {
			"sample_id", "protocol_no", "clinical_id", "is_disabled", "hash", "match_type",
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.read_only_uri", "")
	v.SetDefault("mongo.database", "matchminer")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.trial_match_collection", "trial_match")
	v.SetDefault("engine.indices", DefaultIndices())
	v.SetDefault("engine.progress_every", 1000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.addr", "")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
