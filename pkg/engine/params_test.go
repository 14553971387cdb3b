package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/converge/pkg/engine"
)

func TestParams_Expand(t *testing.T) {
	p := engine.Params{
		engine.PlaceholderFile:     "1700000000",
		engine.PlaceholderLocation: "munich",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "file", in: "tar xvf {file} --one-top-level=~/bin", want: "tar xvf 1700000000 --one-top-level=~/bin"},
		{name: "location", in: "inadyn.conf.gpg.{location}", want: "inadyn.conf.gpg.munich"},
		{name: "repeated", in: "{file} {file}", want: "1700000000 1700000000"},
		{name: "unset placeholder kept", in: "{hostname}", want: "{hostname}"},
		{name: "unknown placeholder kept", in: "${HOME}/{other}", want: "${HOME}/{other}"},
		{name: "no placeholders", in: "rm -f ~/bin/jdk", want: "rm -f ~/bin/jdk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Expand(tt.in))
		})
	}
}

func TestParams_WithCopies(t *testing.T) {
	base := engine.Params{engine.PlaceholderHostname: "fs.local"}
	derived := base.With(engine.PlaceholderServer, "fs.local")

	assert.Len(t, base, 1)
	assert.Len(t, derived, 2)
	assert.Equal(t, []string{"a fs.local", "b"}, derived.ExpandAll([]string{"a {server}", "b"}))
}

func TestIsPlaceholder(t *testing.T) {
	for _, k := range []string{"file", "location", "hostname", "name", "server"} {
		assert.True(t, engine.IsPlaceholder(k), k)
	}
	assert.False(t, engine.IsPlaceholder("user"))
}
