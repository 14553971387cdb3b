package config

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/resources"
	"github.com/openfroyo/converge/pkg/secrets"
	"github.com/openfroyo/converge/pkg/transports/ssh"
)

const homeCatalog = `
ssh:
  user: pi
  password_env: TEST_CONVERGE_SSH_PASSWORD
  connect_timeout: 10s
  command_timeout: 5m
  strict_host_key_checking: false
  jump_host: gateway.example.org
  sudo_password_env: TEST_CONVERGE_SUDO
secrets:
  backend: keyring
  keyring: keys/secring.asc
logging:
  level: debug
  format: json
tracing:
  enabled: true
  sampling_rate: 0.5
metrics:
  textfile: /var/lib/node_exporter/converge.prom
roles:
  base: [git, inadyn]
  media: [slideshow, music-mount, git]
  nas: [nfs-server]
hosts:
  - hostname: pi-munich
    address: 192.168.1.10
    roles: [base, media, unknown-role]
    location: munich
  - hostname: nas-munich
    port: 2222
    user: admin
    roles: [nas]
    location: munich
resources:
  - name: git
    kind: package
  - name: nfs-server
    kind: package
    post_apply: [exportfs -ra]
  - name: inadyn
    kind: package
    depends_on: [inadyn-conf]
  - name: inadyn-conf
    kind: config_file
    source: secrets/inadyn.conf.gpg.{location}
    destination: /etc/inadyn.conf
  - name: slideshow
    kind: service
    depends_on: [git]
    unit:
      name: slideshow.service
      source: units/slideshow.service
      scope: user
      template: true
  - name: music-mount
    kind: mount
    mount:
      name: mnt-music.mount
      source: units/mnt-music.mount
      peer_role: nas
      comment: "music is served by {server}"
  - name: sdrip
    kind: bundle
    preconditions:
      - path: sdrip/public
        hint: run the frontend build
    artifacts:
      - source: sdrip/public/*
        destination: /opt/sdrip/public
      - source: sites/{hostname}/settings.yaml
        destination: /opt/sdrip/settings.yaml
        template: true
        change_marker: /opt/sdrip/.changed
    services:
      - name: sdrip.service
        source: units/sdrip.service
`

func loadHome(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewLoader("dev").Load(writeFile(t, t.TempDir(), "catalog.yaml", homeCatalog))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cat
}

func TestCatalog_Registry(t *testing.T) {
	cat := loadHome(t)
	reg, err := cat.Registry()
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}

	wantNames := []string{"git", "nfs-server", "inadyn", "inadyn-conf", "slideshow", "music-mount", "sdrip"}
	if !reflect.DeepEqual(reg.Names(), wantNames) {
		t.Errorf("Names() = %v, want %v", reg.Names(), wantNames)
	}

	res, _ := reg.Lookup("inadyn-conf")
	cf, ok := res.(*resources.ConfigFile)
	if !ok {
		t.Fatalf("inadyn-conf is %T", res)
	}
	if want := filepath.Join(cat.Dir(), "secrets/inadyn.conf.gpg.{location}"); cf.Source != want {
		t.Errorf("config file source = %q, want %q", cf.Source, want)
	}

	res, _ = reg.Lookup("slideshow")
	svc := res.(*resources.Service)
	if svc.Unit.Scope != resources.ScopeUser || svc.Unit.Params == nil {
		t.Errorf("slideshow unit = %+v", svc.Unit)
	}

	res, _ = reg.Lookup("sdrip")
	b := res.(*resources.Bundle)
	if len(b.Artifacts) != 2 || b.Artifacts[1].ChangeMarker != "/opt/sdrip/.changed" {
		t.Errorf("bundle artifacts = %+v", b.Artifacts)
	}
	if b.Preconditions[0].Path != filepath.Join(cat.Dir(), "sdrip/public") {
		t.Errorf("precondition path = %q", b.Preconditions[0].Path)
	}
	if b.Services[0].Params != nil {
		t.Error("untemplated unit must not get params")
	}

	order, err := reg.InstallOrder([]string{"inadyn", "slideshow"})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"inadyn-conf", "inadyn", "git", "slideshow"}; !reflect.DeepEqual(order, want) {
		t.Errorf("InstallOrder() = %v, want %v", order, want)
	}
}

func TestCatalog_RegistryErrors(t *testing.T) {
	tests := []struct {
		name   string
		specs  []ResourceSpec
		target error
	}{
		{
			name: "duplicate name",
			specs: []ResourceSpec{
				{Name: "git", Kind: resources.KindPackage},
				{Name: "git", Kind: resources.KindPackage},
			},
			target: engine.ErrDuplicateName,
		},
		{
			name:   "unknown dependency",
			specs:  []ResourceSpec{{Name: "inadyn", Kind: resources.KindPackage, DependsOn: []string{"inadyn-conf"}}},
			target: engine.ErrUnknownResource,
		},
		{
			name: "cycle",
			specs: []ResourceSpec{
				{Name: "a", Kind: resources.KindPackage, DependsOn: []string{"b"}},
				{Name: "b", Kind: resources.KindPackage, DependsOn: []string{"a"}},
			},
			target: engine.ErrCyclicDependency,
		},
		{
			name:   "service without unit",
			specs:  []ResourceSpec{{Name: "x", Kind: resources.KindService}},
			target: engine.ErrConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &Catalog{Resources: tt.specs}
			_, err := cat.Registry()
			if !errors.Is(err, tt.target) {
				t.Errorf("Registry() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestCatalog_Inventory(t *testing.T) {
	inv, err := loadHome(t).Inventory()
	if err != nil {
		t.Fatalf("Inventory() error = %v", err)
	}

	pi, ok := inv.Lookup("pi-munich")
	if !ok {
		t.Fatal("pi-munich missing")
	}
	want := []string{"git", "inadyn", "slideshow", "music-mount"}
	if !reflect.DeepEqual(pi.Packages, want) {
		t.Errorf("packages = %v, want %v", pi.Packages, want)
	}
	if pi.DialAddress() != "192.168.1.10" {
		t.Errorf("dial address = %q", pi.DialAddress())
	}

	peer, ok := inv.Peer("nas", "munich")
	if !ok || peer.Hostname != "nas-munich" {
		t.Errorf("Peer() = %v, %v", peer, ok)
	}
}

func TestCatalog_SSHConfig(t *testing.T) {
	t.Setenv("TEST_CONVERGE_SSH_PASSWORD", "raspberry")
	t.Setenv("TEST_CONVERGE_SUDO", "sudo-secret")
	cat := loadHome(t)

	cfg := cat.SSHConfig()
	if cfg.User != "pi" || cfg.Port != 22 {
		t.Errorf("user/port = %s/%d", cfg.User, cfg.Port)
	}
	if cfg.AuthMethod != ssh.AuthMethodPassword || cfg.Password != "raspberry" {
		t.Errorf("auth = %s %q", cfg.AuthMethod, cfg.Password)
	}
	if cfg.StrictHostKeyChecking {
		t.Error("strict host key checking should be off")
	}
	if cfg.ConnectionTimeout != 10*time.Second || cfg.CommandTimeout != 5*time.Minute {
		t.Errorf("timeouts = %v %v", cfg.ConnectionTimeout, cfg.CommandTimeout)
	}
	if cfg.ProxyHost != "gateway.example.org" || cfg.ProxyUser != "pi" || cfg.ProxyPort != 22 {
		t.Errorf("jump host = %s@%s:%d", cfg.ProxyUser, cfg.ProxyHost, cfg.ProxyPort)
	}
	if cat.SudoPassword() != "sudo-secret" {
		t.Errorf("SudoPassword() = %q", cat.SudoPassword())
	}

	nas := cfg.ForHost("nas-munich", 2222, "admin")
	if err := nas.Validate(); err != nil {
		t.Errorf("per host config should validate: %v", err)
	}
}

func TestCatalog_SSHConfigDefaults(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	cfg := (&Catalog{SSH: SSHSection{PrivateKey: "/keys/id_ed25519"}}).SSHConfig()
	if cfg.User != ssh.DefaultUser {
		t.Errorf("user = %q", cfg.User)
	}
	if cfg.AuthMethod != ssh.AuthMethodKey || cfg.PrivateKeyPath != "/keys/id_ed25519" {
		t.Errorf("auth = %s %s", cfg.AuthMethod, cfg.PrivateKeyPath)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("strict host key checking defaults to on")
	}
}

func TestCatalog_SecretsConfig(t *testing.T) {
	cat := loadHome(t)
	got := cat.SecretsConfig()
	if got.Backend != secrets.BackendKeyring {
		t.Errorf("backend = %q", got.Backend)
	}
	if want := filepath.Join(cat.Dir(), "keys/secring.asc"); got.Keyring != want {
		t.Errorf("keyring = %q, want %q", got.Keyring, want)
	}
}

func TestCatalog_Telemetry(t *testing.T) {
	cfg := loadHome(t).Telemetry("1.4.0")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("telemetry config invalid: %v", err)
	}
	if cfg.ServiceVersion != "1.4.0" {
		t.Errorf("version = %q", cfg.ServiceVersion)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "stdout" || cfg.Tracing.SamplingRate != 0.5 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Textfile != "/var/lib/node_exporter/converge.prom" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
}
