package media

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits an extra-arguments string into a slice without involving a shell.
func SplitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// Flags the runner sets itself; overriding them would redirect input or output.
var reservedFlags = map[string]bool{
	"-i": true, "-y": true, "-o": true, "--output": true, "-P": true, "--paths": true,
	"--exec": true, "-progress": true, "--print": true,
}

// ValidateArgs checks extra arguments for shell metacharacters and reserved flags.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if reservedFlags[arg] {
			return fmt.Errorf("argument %s is managed by the runner", arg)
		}
	}
	return nil
}
