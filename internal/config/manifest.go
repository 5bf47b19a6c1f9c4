package config

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// manifestWrapper accepts both a top-level "workload:" block and bare workload fields
type manifestWrapper struct {
	Workload *WorkloadConfig `yaml:"workload"`
}

// LoadManifest reads a standalone workload manifest and merges it over the
// workload section already present in the config.
func LoadManifest(path string, base WorkloadConfig) (WorkloadConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read workload manifest: %w", err)
	}

	var wrapper manifestWrapper
	if err := yamlv3.Unmarshal(data, &wrapper); err != nil {
		return base, fmt.Errorf("failed to parse workload manifest: %w", err)
	}

	workload := wrapper.Workload
	if workload == nil {
		workload = &WorkloadConfig{}
		if err := yamlv3.Unmarshal(data, workload); err != nil {
			return base, fmt.Errorf("failed to parse workload manifest: %w", err)
		}
	}

	merged := base
	if len(workload.Paths) > 0 {
		merged.Paths = workload.Paths
	}
	if workload.RemoteDir != "" {
		merged.RemoteDir = workload.RemoteDir
	}
	if workload.StartScript != "" {
		merged.StartScript = workload.StartScript
	}
	if workload.RemoteLog != "" {
		merged.RemoteLog = workload.RemoteLog
	}
	if workload.ResultsPath != "" {
		merged.ResultsPath = workload.ResultsPath
	}
	if workload.ResultsPrefix != "" {
		merged.ResultsPrefix = workload.ResultsPrefix
	}
	return merged, nil
}
