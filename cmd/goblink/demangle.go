package main

import (
	"os"
	"os/exec"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// $CXXFILT selects an external demangler binary; when it's unset the
// in-process demangler serves, and setting it empty disables
// demangling entirely.
func demangleName(name string) string {
	filt, present := os.LookupEnv("CXXFILT")
	if present {
		if filt == "" {
			return name
		}
		out, err := exec.Command(filt, name).Output()
		if err != nil {
			return name
		}
		return strings.TrimSpace(string(out))
	}
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}
