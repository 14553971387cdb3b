package resources_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/remote/remotetest"
)

// secrets maps local paths to plaintext; unknown paths fail like gpg does.
type secrets map[string]string

func (m secrets) Decrypt(_ context.Context, p string) ([]byte, error) {
	v, ok := m[p]
	if !ok {
		return nil, engine.NewDecryptionError(p, errors.New("gpg: decryption failed: No secret key"))
	}
	return []byte(v), nil
}

type staticFetcher struct {
	body  string
	calls int
}

func (f *staticFetcher) Fetch(context.Context, string) ([]byte, error) {
	f.calls++
	return []byte(f.body), nil
}

func testInventory(t *testing.T) *engine.Inventory {
	t.Helper()
	inv, err := engine.NewInventory(nil,
		&engine.Host{Hostname: "fs.local", Roles: []string{"slideshow_server"}, Location: "munich", User: "pi"},
		&engine.Host{Hostname: "slideshow.local", Roles: []string{"slideshow"}, Location: "munich", User: "pi"},
		&engine.Host{Hostname: "seehaus-blau.local", Roles: []string{"slideshow"}, Location: "seehausen", User: "pi"},
	)
	require.NoError(t, err)
	return inv
}

// session opens a pass for slideshow.local against a fresh fake host.
func session(t *testing.T, reg *engine.Registry, opts ...engine.SessionOption) (*engine.Session, *remotetest.Fake) {
	t.Helper()
	return sessionFor(t, reg, "slideshow.local", opts...)
}

func sessionFor(t *testing.T, reg *engine.Registry, hostname string, opts ...engine.SessionOption) (*engine.Session, *remotetest.Fake) {
	t.Helper()
	inv := testInventory(t)
	host, ok := inv.Lookup(hostname)
	require.True(t, ok)

	fake := remotetest.New(hostname)
	opts = append([]engine.SessionOption{engine.WithInventory(inv), engine.WithRunID("0f8fad5b-d9cb-469f-a165-70867728950e")}, opts...)
	return reg.NewSession(host, fake, opts...), fake
}

// again opens a second pass against the same fake host.
func again(t *testing.T, reg *engine.Registry, s *engine.Session, fake *remotetest.Fake) *engine.Session {
	t.Helper()
	fake.Reset()
	return reg.NewSession(s.Host, fake, engine.WithInventory(s.Inventory), engine.WithSecrets(s.Secrets))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func count(cmds []string, want string) int {
	n := 0
	for _, c := range cmds {
		if c == want {
			n++
		}
	}
	return n
}
