// Package remotetest provides an in-memory engine.Remote for tests. It keeps
// a tiny model of a Debian host (files, installed packages, enabled units)
// and records every call so tests can assert on the exact command sequence.
package remotetest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/openfroyo/converge/pkg/engine"
)

// Op identifies the kind of remote call.
type Op string

const (
	OpExecute Op = "execute"
	OpTest    Op = "test"
	OpCapture Op = "capture"
	OpUpload  Op = "upload"
)

// Call is one recorded remote interaction.
type Call struct {
	Op   Op
	Cmd  string
	Sudo bool
}

// Fake is a scripted, stateful remote host.
type Fake struct {
	mu sync.Mutex

	hostname string
	calls    []Call

	// Files maps remote paths to content.
	Files map[string][]byte
	// Symlinks and Dirs are paths that exist as links or directories.
	Symlinks map[string]bool
	Dirs     map[string]bool
	// Packages are dpkg selections marked "install".
	Packages map[string]bool
	// Selections holds other dpkg selection states, such as "deinstall"
	// for a removed but not purged package. They take precedence over
	// Packages.
	Selections map[string]string
	// Enabled are units reported enabled by systemctl is-enabled, keyed by
	// "system/<unit>" or "user/<unit>".
	Enabled map[string]bool
	// Tests overrides the result of arbitrary test expressions.
	Tests map[string]bool
	// Outputs overrides the stdout of arbitrary captured commands.
	Outputs map[string]string
	// Failures makes commands containing the key fail with the given stderr.
	Failures map[string]string
}

// New creates an empty host.
func New(hostname string) *Fake {
	return &Fake{
		hostname: hostname,
		calls:    make([]Call, 0),
		Files:    make(map[string][]byte),
		Symlinks: make(map[string]bool),
		Dirs:     make(map[string]bool),
		Packages: make(map[string]bool),
		Enabled:  make(map[string]bool),

		Selections: make(map[string]string),
		Tests:    make(map[string]bool),
		Outputs:  make(map[string]string),
		Failures: make(map[string]string),
	}
}

// Hostname implements engine.Remote.
func (f *Fake) Hostname() string {
	return f.hostname
}

// Execute implements engine.Remote.
func (f *Fake) Execute(_ context.Context, cmd string, sudo bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(OpExecute, cmd, sudo)
	if err := f.failure(cmd); err != nil {
		return err
	}
	f.simulate(cmd)
	return nil
}

// Test implements engine.Remote.
func (f *Fake) Test(_ context.Context, expr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(OpTest, expr, false)
	if v, ok := f.Tests[expr]; ok {
		return v, nil
	}
	if m := testExpr.FindStringSubmatch(expr); m != nil {
		return f.pathTest(m[1], m[2]), nil
	}
	if m := dpkgExpr.FindStringSubmatch(expr); m != nil {
		return f.selection(m[1]) == "install", nil
	}
	return false, nil
}

// Capture implements engine.Remote.
func (f *Fake) Capture(_ context.Context, cmd string, sudo bool, raiseOnNonZero bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(OpCapture, cmd, sudo)
	if err := f.failure(cmd); err != nil {
		if raiseOnNonZero {
			return "", err
		}
		return "", nil
	}
	if out, ok := f.Outputs[cmd]; ok {
		return out, nil
	}

	if p, ok := strings.CutPrefix(cmd, "sha512sum "); ok {
		content, exists := f.Files[p]
		if !exists {
			if raiseOnNonZero {
				return "", f.exitError(cmd, "sha512sum: "+p+": No such file or directory")
			}
			return "", nil
		}
		return engine.Digest(content) + "  " + p, nil
	}

	if m := isEnabledExpr.FindStringSubmatch(cmd); m != nil {
		if f.Enabled[unitKey(m[1] != "", m[2])] {
			return "enabled", nil
		}
		if raiseOnNonZero {
			return "", f.exitError(cmd, "disabled")
		}
		return "disabled", nil
	}

	return "", nil
}

// Upload implements engine.Remote.
func (f *Fake) Upload(_ context.Context, content []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(OpUpload, remotePath, false)
	if err := f.failure(remotePath); err != nil {
		return err
	}
	f.Files[remotePath] = append([]byte(nil), content...)
	return nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Commands returns the recorded commands of the given ops, in order. With no
// ops every call is returned.
func (f *Fake) Commands(ops ...Op) []string {
	want := make(map[Op]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}
	out := make([]string, 0)
	for _, c := range f.Calls() {
		if len(want) == 0 || want[c.Op] {
			out = append(out, c.Cmd)
		}
	}
	return out
}

// Executed returns the executed commands in order.
func (f *Fake) Executed() []string {
	return f.Commands(OpExecute)
}

// Uploads returns the upload destinations in order.
func (f *Fake) Uploads() []string {
	return f.Commands(OpUpload)
}

// Count returns how many executed commands equal cmd.
func (f *Fake) Count(cmd string) int {
	n := 0
	for _, c := range f.Executed() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps the host state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = f.calls[:0]
}

// SetFile stores a remote file.
func (f *Fake) SetFile(p string, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[p] = []byte(content)
}

// File returns a remote file's content.
func (f *Fake) File(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Files[p]
	return string(c), ok
}

// asUser matches the prefix that points systemctl --user at another
// user's manager.
const asUser = `(?:sudo -u \S+ XDG_RUNTIME_DIR=/run/user/\$\(id -u \S+\) )?`

var (
	testExpr      = regexp.MustCompile(`^\[ (-[fLde]) (\S+) \]$`)
	dpkgExpr      = regexp.MustCompile(`^dpkg --get-selections (\S+) \| grep -q '\[\[:space:\]\]install\$'$`)
	isEnabledExpr = regexp.MustCompile(`^` + asUser + `systemctl (--user )?is-enabled (\S+)$`)
	enableExpr    = regexp.MustCompile(`^` + asUser + `systemctl (--user )?enable (\S+)$`)
	aptInstall    = regexp.MustCompile(`apt-get --yes install (\S+)$`)
	curlExpr      = regexp.MustCompile(`^curl .* > (\S+)$`)
	curlOutput    = regexp.MustCompile(`^curl .*--output (\S+) `)
)

// selection is the state column dpkg --get-selections prints for a package.
func (f *Fake) selection(name string) string {
	if state, ok := f.Selections[name]; ok {
		return state
	}
	if f.Packages[name] {
		return "install"
	}
	return ""
}

func unitKey(user bool, unit string) string {
	if user {
		return "user/" + unit
	}
	return "system/" + unit
}

func (f *Fake) record(op Op, cmd string, sudo bool) {
	f.calls = append(f.calls, Call{Op: op, Cmd: cmd, Sudo: sudo})
}

func (f *Fake) failure(cmd string) error {
	for needle, stderr := range f.Failures {
		if strings.Contains(cmd, needle) {
			return f.exitError(cmd, stderr)
		}
	}
	return nil
}

func (f *Fake) exitError(cmd, stderr string) error {
	return engine.NewApplyError(cmd, fmt.Errorf("command exited with code 1: %s", stderr)).WithHost(f.hostname)
}

func (f *Fake) pathTest(op, p string) bool {
	_, isFile := f.Files[p]
	switch op {
	case "-f":
		return isFile
	case "-L":
		return f.Symlinks[p]
	case "-d":
		return f.Dirs[p]
	default:
		return isFile || f.Symlinks[p] || f.Dirs[p]
	}
}

// simulate applies the side effects of the commands the resources issue.
func (f *Fake) simulate(cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}

	switch {
	case fields[0] == "mv" && len(fields) == 3:
		if content, ok := f.Files[fields[1]]; ok {
			f.Files[fields[2]] = content
			delete(f.Files, fields[1])
		}
	case fields[0] == "rm":
		for _, p := range fields[1:] {
			if !strings.HasPrefix(p, "-") {
				delete(f.Files, p)
			}
		}
	case fields[0] == "touch" && len(fields) == 2:
		if _, ok := f.Files[fields[1]]; !ok {
			f.Files[fields[1]] = nil
		}
	case fields[0] == "mkdir":
		f.Dirs[fields[len(fields)-1]] = true
	}

	if m := aptInstall.FindStringSubmatch(cmd); m != nil {
		f.Packages[m[1]] = true
		delete(f.Selections, m[1])
	}
	if m := enableExpr.FindStringSubmatch(cmd); m != nil {
		f.Enabled[unitKey(m[1] != "", m[2])] = true
	}
	if m := curlExpr.FindStringSubmatch(cmd); m != nil {
		f.Files[m[1]] = []byte("downloaded")
	}
	if m := curlOutput.FindStringSubmatch(cmd); m != nil {
		f.Files[m[1]] = []byte("downloaded")
	}
}
