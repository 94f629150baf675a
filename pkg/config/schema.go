package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// Schema constrains the async section of CUE configuration files. Other
// sections are left open. Durations are Go duration strings or a positive
// number of milliseconds.
const Schema = `
#Duration: (string & =~#"^([0-9]+(\.[0-9]*)?(ns|us|µs|ms|s|m|h))+$"#) | (number & >0)

#Async: {
	defaultTimeout?: #Duration
	checkInterval?:  #Duration
	maxParallel?:    int & >=0
	strategy?:       "concurrent" | "sequential"
	debug?:          bool
	traceTasks?:     bool
	logPolls?:       bool
}

async?: #Async
`

// unifySchema applies Schema to v. Both values must come from the same
// cue.Context.
func unifySchema(v cue.Value) (cue.Value, error) {
	schema := v.Context().CompileString(Schema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile configuration schema: %w", err)
	}
	return schema.Unify(v), nil
}
