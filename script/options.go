package script

import (
	"os"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	scripterr "github.com/SCIInstitute/tuvok-scripting/errors"
)

// Options controls engine-wide behaviour. The zero value is not useful;
// start from DefaultOptions.
type Options struct {
	// TypeChecks enables runtime arity and type verification on dispatch.
	TypeChecks bool `yaml:"typeChecks"`

	// Provenance enables the undo/redo stack and the command log.
	Provenance bool `yaml:"provenance"`

	// ReentryException makes reentrant provenance logging a hard failure.
	// When false, reentrant calls are silently let through unrecorded.
	ReentryException bool `yaml:"reentryException"`

	// DescLog enables the textual provenance record. Disabled by default
	// for performance.
	DescLog bool `yaml:"descLog"`

	// Verbose enables debug-level logging of instance ID minting.
	Verbose bool `yaml:"verbose"`
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		TypeChecks:       true,
		Provenance:       true,
		ReentryException: true,
		DescLog:          false,
		Verbose:          false,
	}
}

// LoadOptions reads Options from a YAML file. Fields absent from the file
// keep their default values.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, scripterr.Wrapf(scripterr.ErrLuaError,
			"reading options file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, scripterr.Wrapf(scripterr.ErrLuaError,
			"parsing options file %s: %v", path, err)
	}
	return opts, nil
}

// Option configures an Engine during New.
type Option func(*Engine)

// WithOptions replaces the whole option set.
func WithOptions(opts Options) Option {
	return func(e *Engine) { e.opts = opts }
}

// WithLogger installs the logger the engine and the reflected log.* commands
// write to.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithTypeChecks toggles runtime dispatch type checking.
func WithTypeChecks(enabled bool) Option {
	return func(e *Engine) { e.opts.TypeChecks = enabled }
}

// WithProvenance toggles the provenance system.
func WithProvenance(enabled bool) Option {
	return func(e *Engine) { e.opts.Provenance = enabled }
}

// WithDescLog toggles the textual provenance record.
func WithDescLog(enabled bool) Option {
	return func(e *Engine) { e.opts.DescLog = enabled }
}
