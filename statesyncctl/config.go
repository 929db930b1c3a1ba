package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bringyour/statesync/statesync"
)

// Sync config file, yaml/toml/json by extension:
//
//	name: counter
//	flush_interval: 50ms
//	exclude:
//	  - token
//	  - /^draft_/
//	fields:
//	  - name: count
//	    kind: int
//	  - name: token
//	    kind: string
//
// Env var overrides use prefix STATESYNC_, e.g. STATESYNC_NAME.

type FieldConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
}

type SyncFileConfig struct {
	Name          string        `mapstructure:"name"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Exclude       []string      `mapstructure:"exclude"`
	Fields        []FieldConfig `mapstructure:"fields"`
}

func LoadSyncFileConfig(path string) (*SyncFileConfig, error) {
	v := viper.New()

	v.SetDefault("name", "")
	v.SetDefault("flush_interval", statesync.DefaultSyncSettings().FlushInterval)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("STATESYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var c SyncFileConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func (self *SyncFileConfig) Schema() (*statesync.Schema, error) {
	fields := make([]statesync.Field, 0, len(self.Fields))
	for _, fieldConfig := range self.Fields {
		kind, err := statesync.ParseFieldKind(fieldConfig.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldConfig.Name, err)
		}
		fields = append(fields, statesync.Field{
			Name: fieldConfig.Name,
			Kind: kind,
		})
	}
	return statesync.NewSchema(fields...)
}

func (self *SyncFileConfig) SyncConfig() (*statesync.SyncConfig, error) {
	exclude := make([]statesync.ExcludeRule, 0, len(self.Exclude))
	for _, ruleStr := range self.Exclude {
		rule, err := statesync.ParseExcludeRule(ruleStr)
		if err != nil {
			return nil, err
		}
		exclude = append(exclude, rule)
	}
	return &statesync.SyncConfig{
		Name:    self.Name,
		Exclude: exclude,
	}, nil
}

func (self *SyncFileConfig) SyncSettings() *statesync.SyncSettings {
	settings := statesync.DefaultSyncSettings()
	if 0 < self.FlushInterval {
		settings.FlushInterval = self.FlushInterval
	}
	return settings
}
