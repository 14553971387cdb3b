package secrets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
)

func newEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("converge", "test", "ops@example.org", nil)
	require.NoError(t, err)
	return e
}

// writeKeyring exports e's secret key as an armored keyring.
func writeKeyring(t *testing.T, dir string, e *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	p := filepath.Join(dir, "secring.asc")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0600))
	return p
}

// encryptTo writes plaintext encrypted for e, armored when asked.
func encryptTo(t *testing.T, dir, name string, e *openpgp.Entity, plaintext string, armored bool) string {
	t.Helper()
	var buf bytes.Buffer
	var out io.WriteCloser = nopCloser{&buf}
	if armored {
		aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
		require.NoError(t, err)
		out = aw
	}

	w, err := openpgp.Encrypt(out, []*openpgp.Entity{e}, nil, nil, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte(plaintext))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0600))
	return p
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestKeyring_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newEntity(t)
	kr, err := LoadKeyring(writeKeyring(t, dir, e), nil)
	require.NoError(t, err)

	for _, armored := range []bool{false, true} {
		name := "inadyn.conf.gpg.munich"
		if armored {
			name = "inadyn.conf.asc.munich"
		}
		src := encryptTo(t, dir, name, e, "period = 300\n", armored)

		plain, err := kr.Decrypt(context.Background(), src)
		require.NoError(t, err)
		assert.Equal(t, "period = 300\n", string(plain))
	}
}

func TestKeyring_WrongKey(t *testing.T) {
	dir := t.TempDir()
	kr, err := LoadKeyring(writeKeyring(t, dir, newEntity(t)), nil)
	require.NoError(t, err)

	src := encryptTo(t, dir, "other.gpg", newEntity(t), "secret", false)
	_, err = kr.Decrypt(context.Background(), src)

	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrDecryption))
	assert.Contains(t, err.Error(), src)
}

func TestKeyring_Symmetric(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	w, err := openpgp.SymmetricallyEncrypt(&buf, []byte("hunter2"), nil, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("token=abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	src := filepath.Join(dir, "token.gpg")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0600))

	calls := 0
	kr := NewKeyring(openpgp.EntityList{newEntity(t)}, func() ([]byte, error) {
		calls++
		return []byte("hunter2"), nil
	})

	plain, err := kr.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "token=abc", string(plain))

	_, err = kr.Decrypt(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "the passphrase is asked once")

	wrong := NewKeyring(nil, func() ([]byte, error) { return []byte("nope"), nil })
	_, err = wrong.Decrypt(context.Background(), src)
	assert.True(t, errors.Is(err, engine.ErrDecryption))
}

func TestKeyring_LoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadKeyring(filepath.Join(dir, "missing.asc"), nil)
	assert.True(t, errors.Is(err, engine.ErrConfiguration))

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a keyring"), 0600))
	_, err = LoadKeyring(garbage, nil)
	assert.True(t, errors.Is(err, engine.ErrConfiguration))
}

func TestKeyring_MissingFile(t *testing.T) {
	kr := NewKeyring(openpgp.EntityList{newEntity(t)}, nil)
	_, err := kr.Decrypt(context.Background(), filepath.Join(t.TempDir(), "nope.gpg"))
	assert.True(t, errors.Is(err, engine.ErrDecryption))
}

// fakeGPG writes an executable standing in for gpg.
func fakeGPG(t *testing.T, script string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gpg")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0755))
	return p
}

func TestGPG_Decrypt(t *testing.T) {
	src := filepath.Join(t.TempDir(), "slideshow.properties.gpg")
	require.NoError(t, os.WriteFile(src, []byte("interval=30"), 0600))

	// Echo the last argument's content, like a decrypt of a plain file.
	g := &GPG{Binary: fakeGPG(t, `for a; do f=$a; done; cat "$f"`)}
	plain, err := g.Decrypt(context.Background(), src)

	require.NoError(t, err)
	assert.Equal(t, "interval=30", string(plain))
}

func TestGPG_Failure(t *testing.T) {
	g := &GPG{Binary: fakeGPG(t, "echo 'gpg: decryption failed: No secret key' >&2\nexit 2\n")}

	_, err := g.Decrypt(context.Background(), "inadyn.conf.gpg.munich")

	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrDecryption))
	assert.Contains(t, err.Error(), "No secret key")
	assert.Contains(t, err.Error(), "inadyn.conf.gpg.munich")
}

func TestGPG_MissingBinary(t *testing.T) {
	g := &GPG{Binary: filepath.Join(t.TempDir(), "no-gpg")}
	_, err := g.Decrypt(context.Background(), "x.gpg")
	assert.True(t, errors.Is(err, engine.ErrDecryption))
}

type countingDecrypter struct {
	calls int
	fail  bool
}

func (c *countingDecrypter) Decrypt(_ context.Context, path string) ([]byte, error) {
	c.calls++
	if c.fail {
		return nil, engine.NewDecryptionError(path, errors.New("boom"))
	}
	return []byte("plain:" + path), nil
}

func TestCache(t *testing.T) {
	inner := &countingDecrypter{}
	c := NewCache(inner)

	for i := 0; i < 3; i++ {
		b, err := c.Decrypt(context.Background(), "a.gpg")
		require.NoError(t, err)
		assert.Equal(t, "plain:a.gpg", string(b))
	}
	_, _ = c.Decrypt(context.Background(), "b.gpg")
	assert.Equal(t, 2, inner.calls)

	failing := &countingDecrypter{fail: true}
	fc := NewCache(failing)
	_, err := fc.Decrypt(context.Background(), "a.gpg")
	require.Error(t, err)
	_, _ = fc.Decrypt(context.Background(), "a.gpg")
	assert.Equal(t, 2, failing.calls, "failures are retried on the next call")
}

func TestNew(t *testing.T) {
	d, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Cache{}, d)

	d, err = New(Config{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = New(Config{Backend: "vault"})
	assert.True(t, errors.Is(err, engine.ErrConfiguration))

	dir := t.TempDir()
	d, err = New(Config{Backend: BackendKeyring, Keyring: writeKeyring(t, dir, newEntity(t))})
	require.NoError(t, err)
	assert.NotNil(t, d)
}
