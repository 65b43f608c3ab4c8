package catalog

import (
	"bufio"
	"fmt"
	"strings"
)

// Aliases maps the short service names used in release notes to Jenkins
// job names. It is loaded once from configuration and never mutated.
type Aliases struct {
	m map[string]string
}

func NewAliases(m map[string]string) Aliases {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return Aliases{m: cp}
}

// Resolve returns the job name for alias.
func (a Aliases) Resolve(alias string) (string, bool) {
	job, ok := a.m[alias]
	return job, ok
}

// ReleaseEntry is one job and the ref to deploy it with.
type ReleaseEntry struct {
	Section string
	Job     string
	Ref     string
}

// ParseReleaseNotes reads release notes of the form
//
//	Back End=
//	aims-service=release-5.3.33
//
// where a line ending in "=" opens a section. Entries whose alias is not
// known are reported in warnings and left out of the result.
func ParseReleaseNotes(text string, aliases Aliases) (entries []ReleaseEntry, warnings []string) {
	section := ""
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "=") {
			section = strings.TrimSuffix(line, "=")
			continue
		}

		alias, version, ok := strings.Cut(line, "=")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("ignoring line %q: expected alias=version", line))
			continue
		}
		alias, version = strings.TrimSpace(alias), strings.TrimSpace(version)

		job, known := aliases.Resolve(alias)
		if !known {
			warnings = append(warnings, fmt.Sprintf("service %q has no job mapping", alias))
			continue
		}
		entries = append(entries, ReleaseEntry{Section: section, Job: job, Ref: version})
	}
	return entries, warnings
}
