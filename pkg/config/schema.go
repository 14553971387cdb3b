package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// catalogSchema closes CUE catalogs over the known fields, so typos are
// reported with their CUE position. Sections mirrored from Go structs stay
// open here; the JSON decode rejects unknown keys in them.
const catalogSchema = `
#Mode: =~"^[0-7]{3,4}$"

#Unit: {
	name:          string & !=""
	source:        string & !=""
	scope?:        "system" | "user"
	user?:         string
	template?:     bool
	params?:       [string]: string
	skip_restart?: bool
	skip_enable?:  bool
}

#MountUnit: {
	name:      string & !=""
	source:    string & !=""
	peer_role: string & !=""
	comment?:  string
}

#Artifact: {
	source:         string & !=""
	destination:    string & !=""
	owner?:         string
	group?:         string
	mode?:          #Mode
	sudo?:          bool
	encrypted?:     bool
	template?:      bool
	change_marker?: string
}

#Resource: {
	name:        string & !=""
	kind:        "package" | "upgrade" | "archive" | "git" | "config_file" | "download" | "service" | "mount" | "bundle"
	depends_on?: [...string]
	post_apply?: [...string]
	url?:         string
	destination?: string
	test?:        "-f" | "-L" | "-d" | "-e"
	branch?:      string
	force?:       bool
	source?:      string
	owner?:       string
	group?:       string
	mode?:        #Mode
	unit?:        #Unit
	mount?:       #MountUnit
	preconditions?: [...{path: string & !="", hint?: string}]
	artifacts?: [...#Artifact]
	mounts?:    [...#MountUnit]
	services?:  [...#Unit]
}

#Host: {
	hostname:    string & !=""
	address?:    string
	port?:       int & >0 & <65536
	user?:       string
	roles?:      [...string]
	location?:   string
	properties?: [string]: string
}

#Catalog: {
	converge_version?: string
	ssh?:     {...}
	secrets?: {...}
	logging?: {...}
	tracing?: {...}
	metrics?: {...}
	policy?:  {...}
	history?: {...}
	roles?:   [string]: [...string]
	hosts?:   [...#Host]
	resources?: [...#Resource]
}
`

// compileSchema compiles the schema in ctx and returns #Catalog. Values
// unified with it must come from the same context.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(catalogSchema, cue.Filename("catalog.schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile catalog schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Catalog")), nil
}
