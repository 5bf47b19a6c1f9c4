package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ProviderType identifies which cloud backend provisions the instance
type ProviderType string

const (
	ProviderAWS          ProviderType = "aws"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderGCP          ProviderType = "gcp"
	ProviderYandexCloud  ProviderType = "yandex"
)

// Duration wraps time.Duration so it can be written as "1s" / "10m" in YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AWSConfig contains AWS connection and instance parameters
type AWSConfig struct {
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	ImageID      string `yaml:"image_id"`
	InstanceType string `yaml:"instance_type"`
}

// DOConfig contains DigitalOcean connection and droplet parameters
type DOConfig struct {
	Token  string `yaml:"token"`
	Region string `yaml:"region"`
	Image  string `yaml:"image"`
	Size   string `yaml:"size"`
}

// GCPConfig contains Google Cloud connection and instance parameters
type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	Zone            string `yaml:"zone"`
	CredentialsFile string `yaml:"credentials_file"`
	Image           string `yaml:"image"`
	MachineType     string `yaml:"machine_type"`
	Network         string `yaml:"network"`
}

// YandexConfig contains Yandex Cloud connection and instance parameters
type YandexConfig struct {
	IAMToken string `yaml:"iam_token"`
	FolderID string `yaml:"folder_id"`
	Zone     string `yaml:"zone"`
	ImageID  string `yaml:"image_id"`
	Cores    int    `yaml:"cores"`
	Memory   int64  `yaml:"memory"`    // in GB
	DiskSize int64  `yaml:"disk_size"` // in GB
}

// ProvisionerConfig is a discriminated union selecting the cloud backend
type ProvisionerConfig struct {
	Type         ProviderType  `yaml:"type"`
	AWS          *AWSConfig    `yaml:"aws,omitempty"`
	DigitalOcean *DOConfig     `yaml:"digitalocean,omitempty"`
	GCP          *GCPConfig    `yaml:"gcp,omitempty"`
	Yandex       *YandexConfig `yaml:"yandex,omitempty"`
}

// SessionConfig controls session naming and network policy
type SessionConfig struct {
	NamePrefix   string  `yaml:"name_prefix"`
	Username     string  `yaml:"username"`
	IngressPorts []int32 `yaml:"ingress_ports"`
	StatusPort   int     `yaml:"status_port"`
}

// WorkloadConfig describes what gets deployed and where results come back from
type WorkloadConfig struct {
	Paths         []string `yaml:"paths"`          // local artifacts to upload
	RemoteDir     string   `yaml:"remote_dir"`     // upload destination on the instance
	StartScript   string   `yaml:"start_script"`   // entry point inside remote_dir
	RemoteLog     string   `yaml:"remote_log"`     // log file the startup command redirects into
	ResultsPath   string   `yaml:"results_path"`   // remote directory downloaded after completion
	ResultsPrefix string   `yaml:"results_prefix"` // local directory name prefix for results
}

// PollConfig bounds every waiting loop in the lifecycle
type PollConfig struct {
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	SSHRetryInterval Duration `yaml:"ssh_retry_interval"`
	SSHWaitMax       Duration `yaml:"ssh_wait_max"`
	StatusInterval   Duration `yaml:"status_interval"`
	StatusWaitMax    Duration `yaml:"status_wait_max"`
	HTTPRetryMax     int      `yaml:"http_retry_max"`
}

// KeyStorageConfig selects where generated SSH keys are kept between runs
type KeyStorageConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	Reuse         bool     `yaml:"reuse"`
}

// Config contains application configuration
type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Provisioner ProvisionerConfig `yaml:"provisioner"`
	Workload    WorkloadConfig    `yaml:"workload"`
	Poll        PollConfig        `yaml:"poll"`
	KeyStorage  KeyStorageConfig  `yaml:"key_storage"`
}

// Load loads configuration from YAML file with environment overrides
func Load() (*Config, error) {
	config := defaultConfig()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "cloudlaunch.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			NamePrefix:   "cloudlaunch",
			Username:     "ubuntu",
			IngressPorts: []int32{22, 8080},
			StatusPort:   8080,
		},
		Provisioner: ProvisionerConfig{
			Type: ProviderAWS,
			AWS: &AWSConfig{
				Region:       "us-east-1",
				ImageID:      "ami-6c14310f",
				InstanceType: "t2.micro",
			},
		},
		Workload: WorkloadConfig{
			Paths:         []string{"master_script.sh", "webserver.py", "payload"},
			RemoteDir:     "/tmp",
			StartScript:   "master_script.sh",
			RemoteLog:     "workload.log",
			ResultsPath:   "/home/ubuntu/results",
			ResultsPrefix: "results",
		},
		Poll: PollConfig{
			ConnectTimeout:   Duration(1 * time.Second),
			SSHRetryInterval: Duration(1 * time.Second),
			SSHWaitMax:       Duration(10 * time.Minute),
			StatusInterval:   Duration(1 * time.Second),
			StatusWaitMax:    Duration(2 * time.Hour),
			HTTPRetryMax:     2,
		},
	}
}

func applyEnvOverrides(config *Config) {
	if config.Provisioner.AWS != nil {
		config.Provisioner.AWS.AccessKey = os.ExpandEnv(config.Provisioner.AWS.AccessKey)
		config.Provisioner.AWS.SecretKey = os.ExpandEnv(config.Provisioner.AWS.SecretKey)
	}
	if config.Provisioner.DigitalOcean != nil {
		config.Provisioner.DigitalOcean.Token = os.ExpandEnv(config.Provisioner.DigitalOcean.Token)
		if token := os.Getenv("DIGITALOCEAN_TOKEN"); token != "" {
			config.Provisioner.DigitalOcean.Token = token
		}
	}
	if config.Provisioner.Yandex != nil {
		config.Provisioner.Yandex.IAMToken = os.ExpandEnv(config.Provisioner.Yandex.IAMToken)
		config.Provisioner.Yandex.FolderID = os.ExpandEnv(config.Provisioner.Yandex.FolderID)
		if token := os.Getenv("YC_TOKEN"); token != "" {
			config.Provisioner.Yandex.IAMToken = token
		}
		if folderID := os.Getenv("YC_FOLDER_ID"); folderID != "" {
			config.Provisioner.Yandex.FolderID = folderID
		}
	}
}

// Validate checks that the selected provider section carries its required fields
func (c *Config) Validate() error {
	switch c.Provisioner.Type {
	case ProviderAWS:
		if c.Provisioner.AWS == nil {
			return fmt.Errorf("aws config section is required for provider type %q", c.Provisioner.Type)
		}
		if c.Provisioner.AWS.Region == "" {
			return fmt.Errorf("aws region is required")
		}
		if c.Provisioner.AWS.ImageID == "" {
			return fmt.Errorf("aws image_id is required")
		}
	case ProviderDigitalOcean:
		if c.Provisioner.DigitalOcean == nil {
			return fmt.Errorf("digitalocean config section is required for provider type %q", c.Provisioner.Type)
		}
		if c.Provisioner.DigitalOcean.Token == "" {
			return fmt.Errorf("digitalocean token is required (set token in config file or DIGITALOCEAN_TOKEN environment variable)")
		}
	case ProviderGCP:
		if c.Provisioner.GCP == nil {
			return fmt.Errorf("gcp config section is required for provider type %q", c.Provisioner.Type)
		}
		if c.Provisioner.GCP.ProjectID == "" {
			return fmt.Errorf("gcp project_id is required")
		}
	case ProviderYandexCloud:
		if c.Provisioner.Yandex == nil {
			return fmt.Errorf("yandex config section is required for provider type %q", c.Provisioner.Type)
		}
		if c.Provisioner.Yandex.IAMToken == "" {
			return fmt.Errorf("yandex iam_token is required (set iam_token in config file or YC_TOKEN environment variable)")
		}
		if c.Provisioner.Yandex.FolderID == "" {
			return fmt.Errorf("yandex folder_id is required (set folder_id in config file or YC_FOLDER_ID environment variable)")
		}
	default:
		return fmt.Errorf("unsupported provisioner type: %s", c.Provisioner.Type)
	}

	if len(c.Session.IngressPorts) == 0 {
		return fmt.Errorf("at least one ingress port is required")
	}
	if len(c.Workload.Paths) == 0 {
		return fmt.Errorf("workload paths must not be empty")
	}
	if c.Workload.StartScript == "" {
		return fmt.Errorf("workload start_script is required")
	}
	return nil
}
