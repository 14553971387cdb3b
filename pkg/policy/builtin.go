package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		mountLocationPolicy(),
		secretPermissionsPolicy(),
		upgradeDependentsPolicy(),
	}
}

// resourceNamingPolicy keeps resource names usable as Debian package names
// and systemd-friendly identifiers.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names use lowercase letters, digits, '.', '+', '_' and '-'",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.builtin.naming

deny contains violation if {
	some r in input.resources
	not regex.match("^[a-z0-9][a-z0-9.+_-]*$", r.name)
	violation := {
		"message": sprintf("resource name '%s' must start with a lowercase letter or digit and use only [a-z0-9.+_-]", [r.name]),
		"resource": r.name,
	}
}
`,
	}
}

// mountLocationPolicy flags hosts that mount from a peer without a location
// to pick the peer from.
func mountLocationPolicy() Policy {
	return Policy{
		Name:        "mount-location",
		Description: "Hosts that mount from a peer declare a location",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.builtin.locations

mounting contains r.name if {
	some r in input.resources
	r.kind == "mount"
}

mounting contains r.name if {
	some r in input.resources
	r.kind == "bundle"
	r.mounts[_]
}

deny contains violation if {
	some h in input.hosts
	object.get(h, "location", "") == ""
	some role in h.roles
	some name in input.roles[role]
	mounting[name]
	violation := {
		"message": sprintf("host %s installs %s, which mounts from a peer, but has no location", [h.hostname, name]),
		"host": h.hostname,
		"resource": name,
	}
}
`,
	}
}

// secretPermissionsPolicy flags decrypted files readable by other users.
func secretPermissionsPolicy() Policy {
	return Policy{
		Name:        "secret-permissions",
		Description: "Decrypted config files and encrypted artifacts grant nothing to other users",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.builtin.secrets

open_to_others(mode) if {
	mode != ""
	not endswith(mode, "0")
}

deny contains violation if {
	some r in input.resources
	r.kind == "config_file"
	open_to_others(r.mode)
	violation := {
		"message": sprintf("config file %s holds decrypted content but mode %s grants access to others", [r.name, r.mode]),
		"resource": r.name,
	}
}

deny contains violation if {
	some r in input.resources
	some a in r.artifacts
	a.encrypted
	open_to_others(a.mode)
	violation := {
		"message": sprintf("artifact %s of %s is decrypted but mode %s grants access to others", [a.destination, r.name, a.mode]),
		"resource": r.name,
	}
}
`,
	}
}

// upgradeDependentsPolicy flags resources that depend on a dist-upgrade, which
// would run the upgrade on every install of the dependent.
func upgradeDependentsPolicy() Policy {
	return Policy{
		Name:        "upgrade-dependents",
		Description: "No resource depends on an upgrade resource",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.builtin.upgrade

upgrades contains r.name if {
	some r in input.resources
	r.kind == "upgrade"
}

deny contains violation if {
	some r in input.resources
	some dep in r.depends_on
	upgrades[dep]
	violation := {
		"message": sprintf("%s depends on %s, so every install of %s upgrades the whole host", [r.name, dep, r.name]),
		"resource": r.name,
	}
}
`,
	}
}
