package bundle

import (
	"fmt"
	"os"
	"path/filepath"
)

type ArgError struct {
	Arg   string
	Cause string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// Source is a file or directory named on the command line.
type Source struct {
	Path string
	Dir  bool
}

// ParseArgs checks that every argument names an existing file or directory.
func ParseArgs(args []string) ([]Source, error) {
	if len(args) == 0 {
		return nil, &ArgError{Arg: "<paths>", Cause: "no files provided"}
	}

	out := make([]Source, 0, len(args))
	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ArgError{Arg: raw, Cause: "not found or not accessible"}
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil, &ArgError{Arg: raw, Cause: "not a regular file or directory"}
		}
		out = append(out, Source{Path: p, Dir: info.IsDir()})
	}
	return out, nil
}
