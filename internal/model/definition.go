package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Origin tags for audit log entries.
const (
	OriginController = "controller"
	OriginScript     = "script"
)

//go:embed definition.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Definition"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Definition is the immutable description of one hosted service: its
// identity, the three script bodies, and the trigger configuration.
// Loaded once at startup, never mutated afterwards.
type Definition struct {
	Name        string `json:"name"`
	DataPath    string `json:"dataPath,omitempty"`
	LogPath     string `json:"logPath,omitempty"`
	Interpreter string `json:"interpreter"`

	Begin   string `json:"begin,omitempty"`
	Process string `json:"process,omitempty"`
	End     string `json:"end,omitempty"`

	ProcessOnTimer  bool    `json:"processOnTimer"`
	TimerIntervalMs int     `json:"timerIntervalMs,omitempty"`
	Schedule        *string `json:"schedule,omitempty"`

	ProcessOnMessage             bool     `json:"processOnMessage"`
	MessageWriteAccessPrincipals []string `json:"messageWriteAccessPrincipals,omitempty"`
}

var (
	ErrNoTrigger      = errors.New("definition arms no trigger: set processOnTimer or processOnMessage")
	ErrNoTimerCadence = errors.New("processOnTimer requires timerIntervalMs or schedule")
	ErrTimerConflict  = errors.New("timerIntervalMs and schedule are mutually exclusive")
)

// LoadDefinition validates YAML from r against the embedded CUE schema
// and decodes it into a Definition. Cross-field constraints the schema
// cannot express are checked afterwards by Validate.
func LoadDefinition(r io.Reader) (*Definition, error) {
	yamlFile, err := yaml.Extract("definition.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Definition
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the constraints that span multiple fields. The CUE
// schema has already vouched for types, defaults and ranges.
func (d *Definition) Validate() error {
	if !d.ProcessOnTimer && !d.ProcessOnMessage {
		return ErrNoTrigger
	}
	if d.ProcessOnTimer {
		hasInterval := d.TimerIntervalMs > 0
		hasSchedule := d.Schedule != nil && *d.Schedule != ""
		switch {
		case !hasInterval && !hasSchedule:
			return ErrNoTimerCadence
		case hasInterval && hasSchedule:
			return ErrTimerConflict
		case hasSchedule:
			if _, err := ParseCron(*d.Schedule); err != nil {
				return fmt.Errorf("parsing schedule: %w", err)
			}
		}
	}
	return nil
}

// TimerInterval returns the effective timer cadence. For a cron
// schedule this is the gap between the next two firings.
func (d *Definition) TimerInterval() (time.Duration, error) {
	if d.Schedule != nil && *d.Schedule != "" {
		return ParseCron(*d.Schedule)
	}
	return time.Duration(d.TimerIntervalMs) * time.Millisecond, nil
}

// PipeName returns the well-known control channel name for the
// service, shared with senders outside the process.
func (d *Definition) PipeName() string {
	return "svcPipe_" + d.Name
}
