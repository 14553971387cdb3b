package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/Masterminds/semver/v3"
	"github.com/adrg/xdg"
	"github.com/go-git/go-git/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
)

// Format is a catalog file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
	FormatJSON Format = "json"
)

// DefaultCatalogName is looked up in the working directory, then under the
// XDG config directories.
const DefaultCatalogName = "catalog.yaml"

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported catalog extension %q", filepath.Ext(path))
}

// DefaultPath returns ./catalog.yaml when present, else the first
// converge/catalog.yaml found in the XDG config directories.
func DefaultPath() (string, error) {
	if _, err := os.Stat(DefaultCatalogName); err == nil {
		return DefaultCatalogName, nil
	}
	p, err := xdg.SearchConfigFile(filepath.Join("converge", DefaultCatalogName))
	if err != nil {
		return "", engine.NewConfigurationError(
			fmt.Sprintf("no %s in the working directory or %s", DefaultCatalogName, filepath.Join(xdg.ConfigHome, "converge")), nil)
	}
	return p, nil
}

// Loader reads and validates catalogs.
type Loader struct {
	// Version is the running binary's version, checked against the
	// catalog's converge_version constraint. "dev" skips the check.
	Version string

	cue       *cue.Context
	validator *validator.Validate
}

// NewLoader creates a loader for a binary of the given version.
func NewLoader(version string) *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		return engine.ValidMode(fl.Field().String())
	})

	return &Loader{
		Version:   version,
		cue:       cuecontext.New(),
		validator: v,
	}
}

// Load reads a catalog file, validates it and records its git revision.
func (l *Loader) Load(path string) (*Catalog, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, engine.NewConfigurationError(path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot read catalog '%s'", path), err)
	}

	cat, err := l.Parse(data, format, path)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cat.Path = abs
	cat.Revision = Revision(filepath.Dir(abs))

	log.Debug().
		Str("catalog", abs).
		Str("revision", cat.Revision).
		Int("hosts", len(cat.Hosts)).
		Int("resources", len(cat.Resources)).
		Msg("catalog loaded")
	return cat, nil
}

// Parse decodes data in format and validates the result. name labels
// error positions.
func (l *Loader) Parse(data []byte, format Format, name string) (*Catalog, error) {
	cat := &Catalog{}
	var err error
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(cat); errors.Is(err, io.EOF) {
			err = nil
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cat)
	case FormatJSON:
		err = decodeJSON(data, cat)
	case FormatCUE:
		if verrs := l.decodeCUE(data, name, cat); len(verrs) > 0 {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid catalog '%s'", name), verrs)
		}
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cannot parse catalog '%s'", name), err)
	}

	if verrs := l.validate(cat, name); len(verrs) > 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid catalog '%s'", name), verrs)
	}
	if err := checkVersion(cat.ConvergeVersion, l.Version); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("catalog '%s' does not accept this binary", name), err)
	}
	return cat, nil
}

func decodeJSON(data []byte, out *Catalog) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// decodeCUE evaluates a CUE catalog against the schema and decodes its
// concrete JSON form.
func (l *Loader) decodeCUE(data []byte, name string, out *Catalog) ValidationErrors {
	schema, err := compileSchema(l.cue)
	if err != nil {
		return ValidationErrors{{Message: err.Error()}}
	}

	val := l.cue.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	val = schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	raw, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	if err := decodeJSON(raw, out); err != nil {
		return ValidationErrors{{File: name, Message: err.Error()}}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// validate runs struct tags and the cross-field rules tags cannot express.
func (l *Loader) validate(cat *Catalog, name string) ValidationErrors {
	var out ValidationErrors

	if err := l.validator.Struct(cat); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return ValidationErrors{{File: name, Message: err.Error()}}
		}
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				File:    name,
				Path:    strings.TrimPrefix(fe.Namespace(), "Catalog."),
				Message: fmt.Sprintf("failed on '%s' rule", fe.Tag()),
			})
		}
	}

	for i, r := range cat.Resources {
		for _, msg := range kindRules(r) {
			out = append(out, ValidationError{
				File:    name,
				Path:    fmt.Sprintf("resources[%d]", i),
				Message: fmt.Sprintf("%s %s: %s", r.Kind, r.Name, msg),
			})
		}
	}
	return out
}

// kindRules lists the fields a resource kind cannot do without.
func kindRules(r ResourceSpec) []string {
	var msgs []string
	need := func(ok bool, msg string) {
		if !ok {
			msgs = append(msgs, msg)
		}
	}
	switch r.Kind {
	case "archive", "download":
		need(r.URL != "", "url is required")
		need(r.Destination != "", "destination is required")
	case "git":
		need(r.URL != "", "url is required")
		need(r.Destination != "" || r.Force, "destination is required unless force is set")
	case "config_file":
		need(r.Source != "", "source is required")
		need(r.Destination != "", "destination is required")
	case "service":
		need(r.Unit != nil, "unit is required")
	case "mount":
		need(r.Mount != nil, "mount is required")
	case "bundle":
		need(len(r.Artifacts)+len(r.Mounts)+len(r.Services) > 0, "bundle installs nothing")
	}
	if r.Unit != nil {
		for k := range r.Unit.Params {
			need(engine.IsPlaceholder(k), fmt.Sprintf("unknown placeholder {%s}", k))
		}
	}
	return msgs
}

// checkVersion tests version against a semver constraint.
func checkVersion(constraint, version string) error {
	if constraint == "" || version == "" || version == "dev" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid converge_version %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("binary version %q is not semver: %w", version, err)
	}
	if ok, errs := c.Validate(v); !ok {
		return fmt.Errorf("version %s: %w", v, errors.Join(errs...))
	}
	return nil
}

// Revision returns the HEAD commit of the repository containing dir,
// suffixed with "+dirty" when the worktree has changes. It returns "" outside
// a repository.
func Revision(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	rev := head.Hash().String()[:12]

	wt, err := repo.Worktree()
	if err != nil {
		return rev
	}
	status, err := wt.Status()
	if err == nil && !status.IsClean() {
		rev += "+dirty"
	}
	return rev
}
