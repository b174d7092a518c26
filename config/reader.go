package config

import (
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/rideseat/seatmotion/logging"
)

var (
	durationType     = reflect.TypeOf(Duration(0))
	timeDurationType = reflect.TypeOf(time.Duration(0))
	levelType        = reflect.TypeOf(logging.Level(0))
)

// Read reads the configuration file at path, expanding ${VAR} references from the environment,
// and validates it.
func Read(path string) (*Config, error) {
	data, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", path)
	}
	return FromBytes(data)
}

// FromReader decodes and validates a configuration from r. Keys left out keep their defaults.
func FromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return FromBytes(data)
}

// FromBytes decodes and validates a JSON configuration. Unknown keys are an error.
func FromBytes(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode config from json")
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.ComposeDecodeHookFunc(decodeDuration, decodeLevel),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode config from json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeDuration reads durations from strings such as "250ms" or from numbers of seconds.
func decodeDuration(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType && to != timeDurationType {
		return data, nil
	}
	var d time.Duration
	switch v := data.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		d = parsed
	case float64:
		d = time.Duration(v * float64(time.Second))
	default:
		return data, nil
	}
	if to == durationType {
		return Duration(d), nil
	}
	return d, nil
}

func decodeLevel(from, to reflect.Type, data interface{}) (interface{}, error) {
	s, ok := data.(string)
	if to != levelType || !ok {
		return data, nil
	}
	return logging.LevelFromString(s)
}
