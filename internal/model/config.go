package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers.
const (
	MethodLocal  = "local"
	MethodLSF    = "lsf"
	MethodTorque = "torque"
	MethodSlurm  = "slurm"
	MethodCustom = "custom"
	MethodRedis  = "redis"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
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

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the immutable run configuration. It is handed to the backends
// and workers at submission time and is never mutated while a run is active.
type Config struct {
	Version    int        `json:"version" yaml:"version"` // fixed 0 for now
	Input      Input      `json:"input" yaml:"input"`
	Output     string     `json:"output" yaml:"output"`
	Processing Processing `json:"processing" yaml:"processing"`
	Dispatch   Dispatch   `json:"dispatch" yaml:"dispatch"`
	Monitor    Monitor    `json:"monitor" yaml:"monitor"`
	Poll       Poll       `json:"poll" yaml:"poll"`
	Service    Service    `json:"service" yaml:"service"`
}

// Input sources: directories, .lst list files or single image files.
type Input struct {
	Paths        []string `json:"paths" yaml:"paths"`
	RandomSample int      `json:"random_sample" yaml:"random_sample"` // 0 => all
}

type Processing struct {
	Type        string   `json:"type" yaml:"type"`             // "image" | "object"
	Processors  int      `json:"processors" yaml:"processors"` // 0 => runtime.NumCPU
	ConvertOnly bool     `json:"convert_only" yaml:"convert_only"`
	Worker      *Command `json:"worker,omitempty" yaml:"worker,omitempty"`
}

// Command is an external program invocation.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
	Timeout string            `json:"timeout" yaml:"timeout"` // ISO8601, empty => none
}

// Dispatch selects the backend. Submit, Query and Kill are argv templates
// used by the "custom" method and override the presets of lsf/torque/slurm.
type Dispatch struct {
	Method         string   `json:"method" yaml:"method"`
	Queue          string   `json:"queue" yaml:"queue"`
	Submit         []string `json:"submit" yaml:"submit"`
	Query          []string `json:"query" yaml:"query"`
	Kill           []string `json:"kill" yaml:"kill"`
	CommandTimeout string   `json:"command_timeout" yaml:"command_timeout"`
	Redis          *Redis   `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Monitor mode keeps watching the inputs after the known batch is exhausted.
type Monitor struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Timeout string `json:"timeout" yaml:"timeout"` // ISO8601, empty => wait forever
}

type Poll struct {
	Interval          string `json:"interval" yaml:"interval"` // ISO8601 or cron
	AbortConfirmPolls int    `json:"abort_confirm_polls" yaml:"abort_confirm_polls"`
	StallPolls        int    `json:"stall_polls" yaml:"stall_polls"`
}

type Service struct {
	Verbose       bool   `json:"verbose" yaml:"verbose"`
	Log           string `json:"log" yaml:"log"`
	Listen        string `json:"listen" yaml:"listen"`                 // status server address
	ProgressRedis string `json:"progress_redis" yaml:"progress_redis"` // redis address for progress publication
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Input: Input{
			Paths: []string{},
		},
		Output: "iota_output",
		Processing: Processing{
			Type: "image",
		},
		Dispatch: Dispatch{
			Method:         MethodLocal,
			Submit:         []string{},
			Query:          []string{},
			Kill:           []string{},
			CommandTimeout: "PT30S",
		},
		Poll: Poll{
			Interval:          "PT5S",
			AbortConfirmPolls: 12,
			StallPolls:        3,
		},
		Service: Service{
			Log: LogStderr,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("iota.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Validate checks the values the schema can't express, mostly durations.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Poll.IntervalDuration(); err != nil {
		errs = append(errs, fmt.Errorf("poll.interval: %w", err))
	}
	if _, err := c.Monitor.TimeoutDuration(); err != nil {
		errs = append(errs, fmt.Errorf("monitor.timeout: %w", err))
	}
	if _, err := optionalDuration(c.Dispatch.CommandTimeout); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.command_timeout: %w", err))
	}
	if c.Processing.Worker != nil {
		if _, err := c.Processing.Worker.TimeoutDuration(); err != nil {
			errs = append(errs, fmt.Errorf("processing.worker.timeout: %w", err))
		}
	}
	if c.Dispatch.Method == MethodCustom && len(c.Dispatch.Submit) == 0 {
		errs = append(errs, errors.New("dispatch.submit: required for custom method"))
	}
	return errors.Join(errs...)
}

func (p Poll) IntervalDuration() (time.Duration, error) {
	return ParseInterval(p.Interval)
}

// TimeoutDuration returns zero when no timeout is configured.
func (m Monitor) TimeoutDuration() (time.Duration, error) {
	return optionalDuration(m.Timeout)
}

func (c Command) TimeoutDuration() (time.Duration, error) {
	return optionalDuration(c.Timeout)
}

func (d Dispatch) CommandTimeoutDuration() time.Duration {
	t, err := optionalDuration(d.CommandTimeout)
	if err != nil || t == 0 {
		return 30 * time.Second
	}
	return t
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return ParseISODuration(s)
}
