// Package config loads converge catalogs.
//
// A catalog is one file in YAML, TOML, CUE or JSON. It declares the SSH
// connection template, the secrets backend, telemetry settings, the role to
// resource mapping, the hosts and every resource. Format follows the file
// extension:
//
//	loader := config.NewLoader(version)
//	cat, err := loader.Load("catalog.yaml")
//	reg, err := cat.Registry()
//	inv, err := cat.Inventory()
//
// CUE catalogs are unified with a closed #Catalog schema first, so errors
// carry CUE positions. Every format is then checked with struct tags
// (go-playground/validator) and per-kind rules. Relative local paths
// (config file sources, unit files, artifacts, preconditions) resolve
// against the catalog's directory.
//
// A catalog may pin the binaries allowed to read it with a semver
// constraint:
//
//	converge_version: ">= 1.2, < 2"
package config
