package jobspec

import (
	"fmt"
	"strings"
)

// UnknownVariableError is returned when job variables name keys that the
// pool's base job template does not declare.
type UnknownVariableError struct {
	Pool  string
	Names []string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("work pool %q does not declare variables: %s", e.Pool, strings.Join(e.Names, ", "))
}

// UnresolvedTemplateError is returned when template placeholders (or required
// variables) have no value after merging.
type UnresolvedTemplateError struct {
	Pool  string
	Names []string
}

func (e *UnresolvedTemplateError) Error() string {
	return fmt.Sprintf("work pool %q template has unresolved placeholders: %s", e.Pool, strings.Join(e.Names, ", "))
}
