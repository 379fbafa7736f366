package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/tools"
)

func fakeLookPath(missing ...string) LookPathFunc {
	return func(file string) (string, error) {
		for _, m := range missing {
			if m == file {
				return "", errors.New("executable file not found in $PATH")
			}
		}
		return "/usr/bin/" + file, nil
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator(tools.DefaultPolicy(), fakeLookPath("gobuster"))

	tests := []struct {
		name  string
		argv  []string
		check scanerrors.Check
	}{
		{"nil", nil, scanerrors.CheckEmptyCommand},
		{"empty tool", []string{""}, scanerrors.CheckEmptyCommand},
		{"not allowlisted", []string{"curl", "host"}, scanerrors.CheckToolNotAllowed},
		{"shell", []string{"sh", "-c", "nmap host"}, scanerrors.CheckToolNotAllowed},
		{"case sensitive tool", []string{"NMAP", "host"}, scanerrors.CheckToolNotAllowed},
		{"missing executable", []string{"gobuster", "dir", "-u", "http://h"}, scanerrors.CheckExecutableNotFound},
		{"normal output file", []string{"nmap", "-oN", "out.txt", "host"}, scanerrors.CheckForbiddenArgument},
		{"xml to file", []string{"nmap", "-oX", "out.xml", "host"}, scanerrors.CheckForbiddenArgument},
		{"xml flag last", []string{"nmap", "host", "-oX"}, scanerrors.CheckForbiddenArgument},
		{"script with value", []string{"nmap", "--script=vuln", "host"}, scanerrors.CheckForbiddenArgument},
		{"carve-out is per tool", []string{"nikto", "-h", "http://h", "-oX", "-"}, scanerrors.CheckForbiddenArgument},
		{"sqlmap shell", []string{"sqlmap", "-u", "http://h", "--os-shell"}, scanerrors.CheckForbiddenArgument},
		{"nikto output", []string{"nikto", "-h", "http://h", "-o", "/tmp/x"}, scanerrors.CheckForbiddenArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.argv)
			require.Error(t, err)
			check, ok := scanerrors.ValidationCheck(err)
			require.True(t, ok)
			assert.Equal(t, tt.check, check)
			assert.False(t, scanerrors.IsRetryable(err))
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(tools.DefaultPolicy(), fakeLookPath())

	tests := []struct {
		name string
		argv []string
	}{
		{"nmap canonical", []string{"nmap", "-sV", "-T4", "-oX", "-", "example.com"}},
		{"nmap lower-case lookalike", []string{"nmap", "-on", "example.com"}},
		{"nikto canonical", []string{"nikto", "-h", "http://example.com", "-Format", "xml"}},
		{"sqlmap canonical", []string{"sqlmap", "-u", "http://example.com/?id=1", "--batch", "--random-agent"}},
		{"quoted argument with spaces", []string{"sqlmap", "-u", "http://h/?q=a b", "--data", "x=1 y=2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := v.Validate(tt.argv)
			require.NoError(t, err)
			assert.True(t, r.Validated())
			assert.Equal(t, "/usr/bin/"+tt.argv[0], r.Path)
			assert.Equal(t, tt.argv, r.Argv())
			assert.Equal(t, tools.Name(tt.argv[0]), r.Tool)
		})
	}
}

func TestValidateCopiesInput(t *testing.T) {
	v := NewValidator(tools.DefaultPolicy(), fakeLookPath())
	argv := []string{"nmap", "-sV", "host"}

	r, err := v.Validate(argv)
	require.NoError(t, err)
	argv[2] = "-oN"
	assert.Equal(t, "host", r.Args[2])
}

func TestRevalidate(t *testing.T) {
	v := NewValidator(tools.DefaultPolicy(), fakeLookPath())

	t.Run("hand built command rejected", func(t *testing.T) {
		_, err := v.Revalidate(Resolved{Tool: tools.Nmap, Path: "/usr/bin/nmap", Args: []string{"nmap", "host"}})
		check, ok := scanerrors.ValidationCheck(err)
		require.True(t, ok)
		assert.Equal(t, scanerrors.CheckUnvalidated, check)
	})

	t.Run("sealed command passes", func(t *testing.T) {
		r, err := v.Validate([]string{"nmap", "host"})
		require.NoError(t, err)
		again, err := v.Revalidate(r)
		require.NoError(t, err)
		assert.Equal(t, r.Args, again.Args)
	})

	t.Run("mutated args rejected", func(t *testing.T) {
		r, err := v.Validate([]string{"nmap", "host"})
		require.NoError(t, err)
		r.Args = append(r.Args, "-oA", "x")
		_, err = v.Revalidate(r)
		check, _ := scanerrors.ValidationCheck(err)
		assert.Equal(t, scanerrors.CheckForbiddenArgument, check)
	})

	t.Run("path drift rejected", func(t *testing.T) {
		r, err := v.Validate([]string{"nmap", "host"})
		require.NoError(t, err)
		r.Path = "/tmp/nmap"
		_, err = v.Revalidate(r)
		check, _ := scanerrors.ValidationCheck(err)
		assert.Equal(t, scanerrors.CheckUnvalidated, check)
	})
}

func TestWithArgs(t *testing.T) {
	v := NewValidator(tools.DefaultPolicy(), fakeLookPath())
	r, err := v.Validate([]string{"sqlmap", "-u", "http://h/?id=1"})
	require.NoError(t, err)

	out, err := v.WithArgs(r, "--batch")
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlmap", "-u", "http://h/?id=1", "--batch"}, out.Args)
	assert.Len(t, r.Args, 3)

	_, err = v.WithArgs(Resolved{Tool: tools.Sqlmap}, "--batch")
	assert.Error(t, err)
}
