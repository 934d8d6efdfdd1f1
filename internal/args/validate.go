// Package args validates client-supplied render arguments against declared
// argument types and substitutes them into an engine's command template.
//
// Validation is the sole injection defense: values are matched against an
// allow-list pattern and then inserted into the template verbatim, with no
// further escaping. The worker agent runs the resulting argument string
// unmodified.
package args

import (
	"fmt"
	"regexp"

	"github.com/jetspiking/RenderOnline/internal/apperrors"
	"github.com/jetspiking/RenderOnline/internal/store"
)

// Built-in argument type patterns. Every pattern is fully anchored; a value
// must match in its entirety.
var builtinPatterns = map[string]*regexp.Regexp{
	// Safe bare filenames: alphanumeric/underscore/hyphen plus a short extension.
	"file": regexp.MustCompile(`^[a-zA-Z0-9_\-]+\.[a-zA-Z0-9]{1,4}$`),
	// Absolute POSIX-style paths with no shell metacharacters.
	"path": regexp.MustCompile(`^(/[a-zA-Z0-9_\-]+)+/?$`),
	// A dot followed by 1-4 alphanumerics.
	"extension": regexp.MustCompile(`^\.[a-zA-Z0-9]{1,4}$`),
	// Single token.
	"word": regexp.MustCompile(`^\w+$`),
	// Restricted punctuation, nothing shell-special.
	"sentence": regexp.MustCompile(`^[a-zA-Z0-9\s,.!?'-]+$`),
	// Unsigned integer.
	"natural": regexp.MustCompile(`^\d+$`),
	// Signed integer.
	"integer": regexp.MustCompile(`^-?\d+$`),
	// Signed decimal.
	"real": regexp.MustCompile(`^-?\d+(\.\d+)?$`),
}

// Validate checks a value against its declared argument type. A custom regex
// on the type takes precedence over the built-in rule and must match the
// whole value.
//
// An unknown built-in type tag is a server configuration defect, not a client
// error, and is reported as an internal error.
func Validate(rule *store.ArgType, value string) error {
	if rule.Regex != "" {
		re, err := regexp.Compile("^(?:" + rule.Regex + ")$")
		if err != nil {
			return apperrors.Internal("args.validate", fmt.Errorf("argument type %s has invalid regex: %w", rule.ArgTypeID, err))
		}
		if !re.MatchString(value) {
			return validationError(rule, value)
		}
		return nil
	}

	re, ok := builtinPatterns[rule.Type]
	if !ok {
		return apperrors.Internal("args.validate", fmt.Errorf("argument type %s declares unknown built-in type %q", rule.ArgTypeID, rule.Type))
	}
	if !re.MatchString(value) {
		return validationError(rule, value)
	}
	return nil
}

func validationError(rule *store.ArgType, value string) error {
	return apperrors.Validation("arguments", fmt.Sprintf("value %q must be of type %s", value, rule.Type))
}
