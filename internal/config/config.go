// Package config resolves SDK settings from defaults, a YAML file, a .env file
// and CONVOKEEPER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/and161185/convokeeper/internal/backend"
	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONVOKEEPER_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// SDK holds everything needed to run the sync core against a backend.
type SDK struct {
	ContainerDir         string        `yaml:"container_dir" validate:"required"`
	APIAddr              string        `yaml:"api_addr" validate:"required,hostname_port"`
	CACert               string        `yaml:"ca_cert"`
	Insecure             bool          `yaml:"insecure"`
	AppKey               string        `yaml:"app_key" validate:"required"`
	AppSignature         string        `yaml:"app_signature" validate:"required"`
	Env                  string        `yaml:"env" validate:"oneof=development production"`
	LogLevel             string        `yaml:"log_level"`
	LogFile              string        `yaml:"log_file"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval" validate:"gt=0"`
	MessageFetchInterval time.Duration `yaml:"message_fetch_interval" validate:"gt=0"`
	BundleID             string        `yaml:"bundle_id"`
	AppVersion           string        `yaml:"app_version"`
	AppBuild             string        `yaml:"app_build"`
	Locale               string        `yaml:"locale"`
	DeviceUUID           string        `yaml:"device_uuid"`
}

// Default returns the settings used when nothing overrides them.
func Default() SDK {
	return SDK{
		APIAddr:              "localhost:8443",
		Env:                  "development",
		LogLevel:             "info",
		HousekeepingInterval: backend.DefaultHousekeepingInterval,
		MessageFetchInterval: backend.DefaultMessageFetchInterval,
		BundleID:             "com.example.convokeeper",
		AppVersion:           "1.0",
		AppBuild:             "1",
		Locale:               "en_US",
	}
}

// Load layers file and environment over Default. An empty file skips the YAML
// step; an empty envFile tries ".env" and ignores it when absent. The result is
// not validated so that callers can apply flags first.
func Load(file, envFile string) (SDK, error) {
	cfg := Default()
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return SDK{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return SDK{}, fmt.Errorf("%s: %w", file, err)
		}
	}

	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return SDK{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFile); err != nil {
		return SDK{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return SDK{}, err
	}
	return cfg, nil
}

// Validate reports the first missing or malformed setting.
func (c SDK) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AppCredentials returns the host application credentials.
func (c SDK) AppCredentials() conversation.AppCredentials {
	return conversation.AppCredentials{Key: c.AppKey, Signature: c.AppSignature}
}

// Environment returns the live descriptors used to seed the conversation.
func (c SDK) Environment(sdkVersion, osName string) conversation.Environment {
	return conversation.Environment{
		ReleaseType: "cli",
		BundleID:    c.BundleID,
		AppVersion:  c.AppVersion,
		AppBuild:    c.AppBuild,
		SDKVersion:  sdkVersion,
		DeviceUUID:  c.DeviceUUID,
		OSName:      osName,
		Locale:      c.Locale,
	}
}

func (c *SDK) applyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	dur := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p = d
			return nil
		}
	}
	vars := []struct {
		name string
		set  func(string) error
	}{
		{"CONTAINER_DIR", str(&c.ContainerDir)},
		{"API_ADDR", str(&c.APIAddr)},
		{"CA_CERT", str(&c.CACert)},
		{"INSECURE", func(v string) error {
			b, err := strconv.ParseBool(v)
			c.Insecure = b
			return err
		}},
		{"APP_KEY", str(&c.AppKey)},
		{"APP_SIGNATURE", str(&c.AppSignature)},
		{"ENV", str(&c.Env)},
		{"LOG_LEVEL", str(&c.LogLevel)},
		{"LOG_FILE", str(&c.LogFile)},
		{"HOUSEKEEPING_INTERVAL", dur(&c.HousekeepingInterval)},
		{"MESSAGE_FETCH_INTERVAL", dur(&c.MessageFetchInterval)},
		{"BUNDLE_ID", str(&c.BundleID)},
		{"APP_VERSION", str(&c.AppVersion)},
		{"APP_BUILD", str(&c.AppBuild)},
		{"LOCALE", str(&c.Locale)},
		{"DEVICE_UUID", str(&c.DeviceUUID)},
	}
	for _, v := range vars {
		raw, ok := lookup(EnvPrefix + v.name)
		if !ok {
			continue
		}
		if err := v.set(raw); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err)
		}
	}
	return nil
}
