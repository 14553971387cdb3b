// Package engine provides the resource registry and convergence engine.
//
// # Overview
//
// A Registry holds every known Resource by unique name. Converging a host
// means opening a Session for it and installing the host's resource names
// in order:
//
//	reg := engine.NewRegistry()
//	reg.MustRegister(pkgA, libX, configB)
//
//	s := reg.NewSession(host, remote, engine.WithSecrets(gpg))
//	report, err := s.Converge(ctx)
//
// Dependency resolution is lazy and resource-driven: a resource's Apply
// calls Session.InstallDependencies before its own check runs, which lets
// composite resources decide when a dependency is needed. Within one
// Session every resource converges at most once, and re-entering a resource
// that is still being installed fails with a cyclic dependency error instead
// of recursing forever.
//
// # Idempotency
//
// Two predicate families back every resource kind:
//
//   - Exists: a remote "[ op path ]" test; true means nothing to do.
//   - Sync: compare the SHA-512 of the remote file with the local candidate
//     bytes; on mismatch stage the bytes, move them into place and set
//     owner, group and mode.
//
// # Errors
//
// All failures are classified *Error values (unknown resource, duplicate
// name, precondition, apply, decryption, cyclic dependency, configuration).
// Nothing is retried or rolled back; the run aborts the host's remaining
// resources and relies on idempotency when it is re-run.
package engine
