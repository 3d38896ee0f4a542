package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits a shell-quoted argument string without invoking a shell.
func SplitArgs(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs rejects user-supplied arguments that carry shell
// metacharacters. exec never runs a shell, but such values are almost always
// a mistake copied from a shell one-liner.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if arg == "-i" {
			return fmt.Errorf("extra arguments must not add inputs")
		}
	}
	return nil
}

// ValidateShader requires a bare file name so the shader always resolves
// inside the shader directory.
func ValidateShader(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid shader name %q", name)
	}
	if filepath.Base(name) != name || strings.ContainsAny(name, `/\:'`) {
		return fmt.Errorf("shader must be a file name inside the shader directory, got %q", name)
	}
	return nil
}
