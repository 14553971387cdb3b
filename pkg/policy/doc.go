// Package policy checks catalogs against Rego policies with Open Policy Agent.
//
// A policy is a Rego module whose package defines a deny set. The whole
// catalog (hosts, roles, resources and settings, under their catalog field
// names) is the input document. Each deny entry is either a message string
// or an object:
//
//	package site.hosts
//
//	deny contains v if {
//		some h in input.hosts
//		not startswith(h.hostname, "pi-")
//		v := {"message": sprintf("%s does not follow the pi- naming", [h.hostname]), "host": h.hostname}
//	}
//
// Violations carry the policy's severity unless the entry sets its own.
// Errors fail validation and block installs; warnings are logged.
//
// # Built-in Policies
//
//   - resource-naming: names usable as package and unit identifiers (error)
//   - mount-location: hosts mounting from a peer declare a location (warning)
//   - secret-permissions: decrypted files grant nothing to others (warning)
//   - upgrade-dependents: nothing depends on a dist-upgrade (warning)
//
// Catalog policies are .rego files or JSON definitions listed under the
// catalog's policy section. A "# severity: error" line in a .rego header
// makes its violations blocking.
//
// Watcher re-runs a callback when catalog or policy files change; the
// validate command uses it for --watch.
package policy
