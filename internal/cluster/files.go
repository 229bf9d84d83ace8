package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadPlan reads a YAML cluster plan. Missing fields take the harness
// defaults.
//
//	param_server:
//	  address: 192.0.0.2
//	  port: 9090
//	subnet: 192.0.0.0/24
//	nodes: 4
func LoadPlan(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, errors.Wrapf(err, "read plan %s", path)
	}
	plan := DefaultPlan(0)
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return Plan{}, errors.Wrapf(err, "parse plan %s", path)
	}
	return plan, nil
}

// LoadConfig reads and validates a node's JSON cluster config.
func LoadConfig(path string) (ClusterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, errors.Wrapf(err, "read config %s", path)
	}
	var cfg ClusterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ClusterConfig{}, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return ClusterConfig{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// WriteConfig stores cfg as node-<id>.json under dir and returns the path.
func WriteConfig(dir string, cfg ClusterConfig) (string, error) {
	path := filepath.Join(dir, "node-"+strconv.Itoa(cfg.ID)+".json")
	return path, writeJSON(path, cfg)
}

// WriteManifest stores the membership manifest as nodes.json under dir.
func WriteManifest(dir string, m Manifest) (string, error) {
	path := filepath.Join(dir, "nodes.json")
	return path, writeJSON(path, m)
}

// ReadManifest loads a membership manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.Wrapf(err, "read manifest %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, errors.Wrapf(err, "parse manifest %s", path)
	}
	return m, nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
