package main

// Config is the CLI's per-project configuration, loaded by kong-yaml
// from a project-local file instead of environment flags.
type Config struct {
	Host string `yaml:"host" default:"localhost" help:"controller host"`
	Port int    `yaml:"port" default:"5000" help:"controller port"`

	User    string `yaml:"user" help:"identifies whose last execution 'plz logs'/'plz stop' resolve to when no execution id is given"`
	Project string `yaml:"project" help:"project name embedded in the snapshot's content-derived tag"`

	Image        string   `yaml:"image" default:"python:3-slim" help:"base image the synthesized Dockerfile builds from"`
	Command      []string `yaml:"command" help:"default command, used when --command is not passed to 'plz run'"`
	ExcludedPaths []string `yaml:"excluded_paths" help:"paths excluded from the build context tarball"`
	InstanceType string   `yaml:"instance_type" default:"default" help:"requested execution spec instance type"`
}
