// Package command enforces which external tools may run and with which
// arguments. Only a Resolved value produced here may reach the executor.
package command

import (
	"fmt"
	"os/exec"
	"slices"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/tools"
)

// LookPathFunc resolves an executable name to an absolute path.
type LookPathFunc func(file string) (string, error)

// Resolved is a validated command ready to execute.
type Resolved struct {
	Tool tools.Name
	Path string
	Args []string

	sealed bool
}

// Argv returns the full argument vector starting with the bare tool name.
func (r Resolved) Argv() []string {
	return slices.Clone(r.Args)
}

// Validated reports whether r was produced by a Validator.
func (r Resolved) Validated() bool {
	return r.sealed
}

// Validator checks argument vectors against a tools.Policy.
type Validator struct {
	policy   *tools.Policy
	lookPath LookPathFunc
}

// NewValidator creates a validator. A nil lookPath uses exec.LookPath.
func NewValidator(policy *tools.Policy, lookPath LookPathFunc) *Validator {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &Validator{policy: policy, lookPath: lookPath}
}

// Policy returns the policy the validator enforces.
func (v *Validator) Policy() *tools.Policy {
	return v.policy
}

// Validate runs the checks in order: non-empty, allowlisted, resolvable on
// PATH, and free of forbidden arguments outside the policy's carve-outs.
func (v *Validator) Validate(argv []string) (Resolved, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Resolved{}, scanerrors.NewValidationError(scanerrors.CheckEmptyCommand, "", "command is empty")
	}

	name := argv[0]
	if !v.policy.Allowed(name) {
		return Resolved{}, scanerrors.NewValidationError(scanerrors.CheckToolNotAllowed, name, "tool is not in the allowlist")
	}
	tool := tools.Name(name)

	path, err := v.lookPath(name)
	if err != nil || path == "" {
		return Resolved{}, scanerrors.NewValidationError(scanerrors.CheckExecutableNotFound, name,
			fmt.Sprintf("executable not found on PATH: %v", err))
	}

	args := argv[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !v.policy.Forbidden(arg) {
			continue
		}
		if i+1 < len(args) && v.policy.CarvedOut(tool, arg, args[i+1]) {
			i++
			continue
		}
		return Resolved{}, &scanerrors.ValidationError{
			Check:   scanerrors.CheckForbiddenArgument,
			Tool:    name,
			Arg:     arg,
			Message: "argument is not permitted",
		}
	}

	return Resolved{Tool: tool, Path: path, Args: slices.Clone(argv), sealed: true}, nil
}

// Revalidate re-checks a resolved command. Unsealed values are rejected
// outright; sealed ones are validated again and must resolve to the same path.
func (v *Validator) Revalidate(r Resolved) (Resolved, error) {
	if !r.sealed {
		return Resolved{}, scanerrors.NewValidationError(scanerrors.CheckUnvalidated, string(r.Tool), "command was not produced by the validator")
	}
	again, err := v.Validate(r.Args)
	if err != nil {
		return Resolved{}, err
	}
	if again.Path != r.Path {
		return Resolved{}, scanerrors.NewValidationError(scanerrors.CheckUnvalidated, string(r.Tool), "resolved executable changed")
	}
	return again, nil
}

// WithArgs returns r with extra arguments appended, validated again.
func (v *Validator) WithArgs(r Resolved, extra ...string) (Resolved, error) {
	if !r.sealed {
		return Resolved{}, scanerrors.NewValidationError(scanerrors.CheckUnvalidated, string(r.Tool), "command was not produced by the validator")
	}
	return v.Validate(append(slices.Clone(r.Args), extra...))
}
