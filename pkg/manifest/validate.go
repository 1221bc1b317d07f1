package manifest

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/hashicorp/go-multierror"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationResult collects every problem found in a manifest. Errors make
// the manifest unusable; warnings do not.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *ValidationResult) addWarning(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns all errors as a single error, or nil when the result is valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	var merr *multierror.Error
	for _, e := range r.Errors {
		merr = multierror.Append(merr, fmt.Errorf("%s", e))
	}
	return merr.ErrorOrNil()
}

// Validate checks the manifest against every rule and accumulates all
// failures instead of stopping at the first.
func (m *Manifest) Validate() ValidationResult {
	result := ValidationResult{Valid: true}

	if m.Plugin.ID == "" {
		result.addError("plugin id is required")
	} else if !idPattern.MatchString(m.Plugin.ID) {
		result.addError("plugin id %q contains invalid characters (allowed: letters, digits, '_', '-')", m.Plugin.ID)
	}

	if m.Plugin.Version == "" {
		result.addError("plugin version is required")
	} else if !containsDigit(m.Plugin.Version) {
		result.addError("plugin version %q is not a version number", m.Plugin.Version)
	}

	if m.Plugin.APIVersion == "" {
		result.addError("api_version is required")
	} else if v, err := ParseVersion(m.Plugin.APIVersion); err != nil {
		result.addError("api_version %q is not a valid version: %v", m.Plugin.APIVersion, err)
	} else {
		host, _ := ParseVersion(HostAPIVersion)
		if !v.CompatibleWith(host) {
			result.addError("api_version %s is incompatible with host API %s", m.Plugin.APIVersion, HostAPIVersion)
		}
	}

	if m.Build.Entry == "" {
		result.addError("build entry is required")
	}

	if m.Plugin.Name == "" {
		result.addWarning("plugin name is empty")
	}

	if m.Search != nil {
		for i, provider := range m.Search.Providers {
			if provider.ID == "" {
				result.addError("search provider %d is missing an id", i)
			}
			if provider.Name == "" {
				result.addError("search provider %d is missing a name", i)
			}
		}
	}

	for depID, dep := range m.Dependencies {
		if strings.TrimSpace(dep.Version) == "" {
			result.addWarning("dependency %s has no version constraint", depID)
		}
	}

	return result
}

func containsDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}
