package controller

import "time"

// Config is the controller's full runtime configuration, loaded by
// cmd/plz-controller via kong + kong-yaml. Field names mirror the
// dotted configuration keys a deployment would recognize
// (instances.*, images.*, results.*) flattened into a single struct.
type Config struct {
	Port int `yaml:"port" default:"5000"`

	DockerHost string `yaml:"docker_host"`

	RegistryRepository string        `yaml:"registry_repository" default:"plz/builds"`
	RegistryCredValid  time.Duration `yaml:"registry_cred_valid" default:"30m"`

	StoreBackend string `yaml:"store_backend" default:"redis"` // "redis" | "sqlite"
	RedisAddr    string `yaml:"redis_addr" default:"localhost:6379"`
	SQLitePath   string `yaml:"sqlite_path" default:"plz-controller.db"`

	InstanceProvider string `yaml:"instance_provider" default:"localhost"` // "localhost" | "aws-ec2"

	AWSRegion              string        `yaml:"aws_region"`
	InstanceGroupID        string        `yaml:"instance_group_id"`
	InstanceType           string        `yaml:"instance_type" default:"t3.medium"`
	AcquisitionDelay       time.Duration `yaml:"acquisition_delay" default:"10s"`
	MaxAcquisitionTries    int           `yaml:"max_acquisition_tries" default:"5"`
	DefaultMaxIdleSeconds  int64         `yaml:"default_max_idle_seconds" default:"1800"`

	LogFile    string `yaml:"log_file"`
	LogMaxSizeMB int  `yaml:"log_max_size_mb" default:"100"`
}
