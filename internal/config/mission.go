package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/xkilldash9x/metos/api/schemas"
)

// DefaultReplicationIntervalSeconds is used when the mission file omits a cadence.
const DefaultReplicationIntervalSeconds = 60

// LoadMission reads the mission file once. The returned value is meant to be
// passed by value to every component that needs it.
func LoadMission(path string) (schemas.MissionConfig, error) {
	var m schemas.MissionConfig

	expanded, err := homedir.Expand(path)
	if err != nil {
		return m, fmt.Errorf("failed to expand mission path %q: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")
	v.SetDefault("mission.replication_interval_seconds", DefaultReplicationIntervalSeconds)
	if err := v.ReadInConfig(); err != nil {
		return m, fmt.Errorf("failed to read mission file %s: %w", expanded, err)
	}

	m.Objective = strings.TrimSpace(v.GetString("mission.objective"))
	m.ReplicationIntervalSeconds = v.GetInt("mission.replication_interval_seconds")

	if m.Objective == "" {
		return m, fmt.Errorf("mission.objective is required in %s", expanded)
	}
	if m.ReplicationIntervalSeconds < 1 {
		return m, fmt.Errorf("mission.replication_interval_seconds must be >= 1, got %d", m.ReplicationIntervalSeconds)
	}
	return m, nil
}
