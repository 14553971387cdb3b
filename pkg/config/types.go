package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/converge/pkg/secrets"
)

// Catalog is the parsed content of a catalog file: connection settings,
// telemetry settings, the host inventory and every resource definition.
type Catalog struct {
	// ConvergeVersion is a semver constraint on the binary reading the catalog.
	ConvergeVersion string `yaml:"converge_version" json:"converge_version" toml:"converge_version"`

	SSH     SSHSection     `yaml:"ssh" json:"ssh" toml:"ssh"`
	Secrets secrets.Config `yaml:"secrets" json:"secrets" toml:"secrets"`
	Logging LoggingSection `yaml:"logging" json:"logging" toml:"logging"`
	Tracing TracingSection `yaml:"tracing" json:"tracing" toml:"tracing"`
	Metrics MetricsSection `yaml:"metrics" json:"metrics" toml:"metrics"`
	Policy  PolicySection  `yaml:"policy" json:"policy" toml:"policy"`
	History HistorySection `yaml:"history" json:"history" toml:"history"`

	// Roles maps a role to the resource names it brings in.
	Roles map[string][]string `yaml:"roles" json:"roles" toml:"roles"`

	Hosts     []HostSpec     `yaml:"hosts" json:"hosts" toml:"hosts" validate:"dive"`
	Resources []ResourceSpec `yaml:"resources" json:"resources" toml:"resources" validate:"dive"`

	// Path is the file the catalog was read from. Relative sources resolve
	// against its directory.
	Path string `yaml:"-" json:"-" toml:"-"`

	// Revision is the git revision of the catalog checkout, if any.
	Revision string `yaml:"-" json:"-" toml:"-"`
}

// SSHSection is the catalog-wide connection template. Hosts override the
// port and user.
type SSHSection struct {
	User        string `yaml:"user" json:"user" toml:"user"`
	Port        int    `yaml:"port" json:"port" toml:"port" validate:"omitempty,min=1,max=65535"`
	Auth        string `yaml:"auth" json:"auth" toml:"auth" validate:"omitempty,oneof=password key agent"`
	Password    string `yaml:"password" json:"password" toml:"password"`
	PasswordEnv string `yaml:"password_env" json:"password_env" toml:"password_env"`
	PrivateKey  string `yaml:"private_key" json:"private_key" toml:"private_key"`
	KnownHosts  string `yaml:"known_hosts" json:"known_hosts" toml:"known_hosts"`

	// StrictHostKeyChecking defaults to true.
	StrictHostKeyChecking *bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking" toml:"strict_host_key_checking"`

	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout" toml:"connect_timeout"`
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout" toml:"command_timeout"`
	KeepAlive      Duration `yaml:"keepalive" json:"keepalive" toml:"keepalive"`

	JumpHost string `yaml:"jump_host" json:"jump_host" toml:"jump_host" validate:"omitempty,hostname_rfc1123|ip"`
	JumpPort int    `yaml:"jump_port" json:"jump_port" toml:"jump_port" validate:"omitempty,min=1,max=65535"`
	JumpUser string `yaml:"jump_user" json:"jump_user" toml:"jump_user"`

	// SudoPasswordEnv names the variable holding the sudo password for hosts
	// without passwordless sudo.
	SudoPasswordEnv string `yaml:"sudo_password_env" json:"sudo_password_env" toml:"sudo_password_env"`
}

// LoggingSection mirrors telemetry.LoggingConfig.
type LoggingSection struct {
	Level      string `yaml:"level" json:"level" toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format     string `yaml:"format" json:"format" toml:"format" validate:"omitempty,oneof=console json auto"`
	Output     string `yaml:"output" json:"output" toml:"output"`
	Caller     bool   `yaml:"caller" json:"caller" toml:"caller"`
	TimeFormat string `yaml:"time_format" json:"time_format" toml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms"`
	NoColor    bool   `yaml:"no_color" json:"no_color" toml:"no_color"`
}

// TracingSection mirrors telemetry.TracingConfig.
type TracingSection struct {
	Enabled      bool              `yaml:"enabled" json:"enabled" toml:"enabled"`
	Exporter     string            `yaml:"exporter" json:"exporter" toml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint" toml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate *float64          `yaml:"sampling_rate" json:"sampling_rate" toml:"sampling_rate" validate:"omitempty,min=0,max=1"`
	Insecure     *bool             `yaml:"insecure" json:"insecure" toml:"insecure"`
	Headers      map[string]string `yaml:"headers" json:"headers" toml:"headers"`
}

// MetricsSection mirrors telemetry.MetricsConfig.
type MetricsSection struct {
	// Enabled defaults to true.
	Enabled   *bool  `yaml:"enabled" json:"enabled" toml:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace" toml:"namespace"`
	Textfile  string `yaml:"textfile" json:"textfile" toml:"textfile"`
}

// PolicySection lists Rego policy files or directories checked against the
// catalog, and built-in policies to switch off.
type PolicySection struct {
	Paths   []string `yaml:"paths" json:"paths" toml:"paths"`
	Disable []string `yaml:"disable" json:"disable" toml:"disable"`
}

// HistorySection configures the run journal.
type HistorySection struct {
	// Enabled defaults to true.
	Enabled *bool  `yaml:"enabled" json:"enabled" toml:"enabled"`
	Path    string `yaml:"path" json:"path" toml:"path"`
}

// HostSpec declares one target host.
type HostSpec struct {
	Hostname   string            `yaml:"hostname" json:"hostname" toml:"hostname" validate:"required,hostname_rfc1123"`
	Address    string            `yaml:"address" json:"address" toml:"address" validate:"omitempty,hostname_rfc1123|ip"`
	Port       int               `yaml:"port" json:"port" toml:"port" validate:"omitempty,min=1,max=65535"`
	User       string            `yaml:"user" json:"user" toml:"user"`
	Roles      []string          `yaml:"roles" json:"roles" toml:"roles"`
	Location   string            `yaml:"location" json:"location" toml:"location"`
	Properties map[string]string `yaml:"properties" json:"properties" toml:"properties"`
}

// ResourceSpec declares one resource. Kind selects which of the optional
// fields apply.
type ResourceSpec struct {
	Name      string   `yaml:"name" json:"name" toml:"name" validate:"required"`
	Kind      string   `yaml:"kind" json:"kind" toml:"kind" validate:"required,oneof=package upgrade archive git config_file download service mount bundle"`
	DependsOn []string `yaml:"depends_on" json:"depends_on" toml:"depends_on"`
	PostApply []string `yaml:"post_apply" json:"post_apply" toml:"post_apply"`

	// archive, git, download
	URL         string `yaml:"url" json:"url" toml:"url"`
	Destination string `yaml:"destination" json:"destination" toml:"destination"`

	// archive
	Test string `yaml:"test" json:"test" toml:"test" validate:"omitempty,oneof=-f -L -d -e"`

	// git
	Branch string `yaml:"branch" json:"branch" toml:"branch"`
	Force  bool   `yaml:"force" json:"force" toml:"force"`

	// config_file
	Source string `yaml:"source" json:"source" toml:"source"`
	Owner  string `yaml:"owner" json:"owner" toml:"owner"`
	Group  string `yaml:"group" json:"group" toml:"group"`
	Mode   string `yaml:"mode" json:"mode" toml:"mode" validate:"omitempty,filemode"`

	// service
	Unit *UnitSpec `yaml:"unit" json:"unit" toml:"unit"`

	// mount
	Mount *MountSpec `yaml:"mount" json:"mount" toml:"mount"`

	// bundle
	Preconditions []PreconditionSpec `yaml:"preconditions" json:"preconditions" toml:"preconditions" validate:"dive"`
	Artifacts     []ArtifactSpec     `yaml:"artifacts" json:"artifacts" toml:"artifacts" validate:"dive"`
	Mounts        []MountSpec        `yaml:"mounts" json:"mounts" toml:"mounts" validate:"dive"`
	Services      []UnitSpec         `yaml:"services" json:"services" toml:"services" validate:"dive"`
}

// UnitSpec declares a systemd unit.
type UnitSpec struct {
	Name   string `yaml:"name" json:"name" toml:"name" validate:"required"`
	Source string `yaml:"source" json:"source" toml:"source" validate:"required"`
	Scope  string `yaml:"scope" json:"scope" toml:"scope" validate:"omitempty,oneof=system user"`
	User   string `yaml:"user" json:"user" toml:"user"`

	// Template expands host placeholders in the unit file.
	Template bool `yaml:"template" json:"template" toml:"template"`

	// Params are extra placeholder values. Setting any implies Template.
	Params map[string]string `yaml:"params" json:"params" toml:"params"`

	SkipRestart bool `yaml:"skip_restart" json:"skip_restart" toml:"skip_restart"`
	SkipEnable  bool `yaml:"skip_enable" json:"skip_enable" toml:"skip_enable"`
}

// MountSpec declares a mount unit served by a peer host.
type MountSpec struct {
	Name     string `yaml:"name" json:"name" toml:"name" validate:"required"`
	Source   string `yaml:"source" json:"source" toml:"source" validate:"required"`
	PeerRole string `yaml:"peer_role" json:"peer_role" toml:"peer_role" validate:"required"`
	Comment  string `yaml:"comment" json:"comment" toml:"comment"`
}

// PreconditionSpec is a local path a bundle requires.
type PreconditionSpec struct {
	Path string `yaml:"path" json:"path" toml:"path" validate:"required"`
	Hint string `yaml:"hint" json:"hint" toml:"hint"`
}

// ArtifactSpec is a bundle upload.
type ArtifactSpec struct {
	Source       string `yaml:"source" json:"source" toml:"source" validate:"required"`
	Destination  string `yaml:"destination" json:"destination" toml:"destination" validate:"required"`
	Owner        string `yaml:"owner" json:"owner" toml:"owner"`
	Group        string `yaml:"group" json:"group" toml:"group"`
	Mode         string `yaml:"mode" json:"mode" toml:"mode" validate:"omitempty,filemode"`
	Sudo         bool   `yaml:"sudo" json:"sudo" toml:"sudo"`
	Encrypted    bool   `yaml:"encrypted" json:"encrypted" toml:"encrypted"`
	Template     bool   `yaml:"template" json:"template" toml:"template"`
	ChangeMarker string `yaml:"change_marker" json:"change_marker" toml:"change_marker"`
}

// Duration is a time.Duration written as "30s" or "5m" in every catalog
// format.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ValidationError represents a catalog error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "resources[3].mode").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one catalog.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}
