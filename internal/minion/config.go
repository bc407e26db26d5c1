package minion

import (
	"os"

	pkgerrors "invoker/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Config controls how the backend isolates processes.
type Config struct {
	// HelperPath, when set, launches every child through minion-init,
	// which applies rlimits and seccomp before exec'ing the target.
	HelperPath       string `yaml:"helperPath"`
	CgroupRoot       string `yaml:"cgroupRoot"`
	EnableCgroup     bool   `yaml:"enableCgroup"`
	EnableNamespaces bool   `yaml:"enableNamespaces"`
	EnableSeccomp    bool   `yaml:"enableSeccomp"`
	// Permissive accepts dominion limits that nothing above enforces and
	// logs them instead of failing NewDominion. Development hosts only.
	Permissive bool `yaml:"permissive"`
}

// ConfigEnv names the variable holding the path of a YAML backend config for
// callers that cannot pass a Config, such as the shared library.
const ConfigEnv = "MINION_CONFIG"

// LoadConfig reads a backend config from path. An empty path yields the zero
// Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, pkgerrors.Wrapf(err, pkgerrors.SandboxSetupFailed, "read minion config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, pkgerrors.Wrapf(err, pkgerrors.SandboxSetupFailed, "parse minion config %s", path)
	}
	return cfg, nil
}

// HelperRequest is passed to minion-init on file descriptor 3.
type HelperRequest struct {
	Path    string   `json:"path"`
	Argv    []string `json:"argv"`
	Env     []string `json:"env"`
	WorkDir string   `json:"workDir"`

	CPUTimeSeconds uint64 `json:"cpuTimeSeconds"`
	MemoryBytes    uint64 `json:"memoryBytes"`
	MaxProcesses   uint64 `json:"maxProcesses"`

	DenyNetwork      bool `json:"denyNetwork"`
	EnableSeccomp    bool `json:"enableSeccomp"`
	EnableNamespaces bool `json:"enableNamespaces"`

	Root   string                  `json:"root"`
	Mounts []PathExpositionOptions `json:"mounts"`
}

// HelperRequestFD is the descriptor number minion-init reads its request from.
const HelperRequestFD = 3

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
