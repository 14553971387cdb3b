// Package resources implements the resource kinds a catalog can declare:
// apt packages, the apt upgrade cycle, archives, git checkouts, encrypted
// config files, web downloads, systemd services and mounts, and application
// bundles that combine uploads with units.
//
// Every kind installs its dependencies through the session before running
// its own check, then applies only on drift. Services and mounts share
// ConvergeUnit: upload the unit file, reload and restart it when it changed,
// and enable it when systemctl does not report it enabled.
package resources
