package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// DefinitionErrorDetail is one humanized validation failure from a
// definition document, suitable for the audit log and for the CLI.
type DefinitionErrorDetail struct {
	Path    string // e.g. messageWriteAccessPrincipals.2
	Code    string // missing_required | unknown_field | type_mismatch | conflict | validation_error
	Message string // human text
	Pos     DefinitionErrorPosition
	Raw     string // original message
}

func (d DefinitionErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

func (d DefinitionErrorDetail) String() string {
	if d.Path == "" {
		return d.Message
	}
	return d.Path + ": " + d.Message
}

type DefinitionErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// DefinitionErrDetails decomposes a CUE validation error into one
// detail record per offending position. A nil error yields nil. Errors
// that did not come out of CUE yield a single validation_error record.
func DefinitionErrDetails(err error) []DefinitionErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[DefinitionErrorPosition]struct{})

	var out []DefinitionErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, _ := e.Msg()
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		pos := position(e)
		if pos.Filename != "" {
			if _, ok := seen[pos]; ok {
				continue
			}
			seen[pos] = struct{}{}
		}

		out = append(out, DefinitionErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     e.Error(),
		})
	}

	if out == nil {
		out = []DefinitionErrorDetail{{
			Code:    "validation_error",
			Message: err.Error(),
			Raw:     err.Error(),
		}}
	}
	return out
}

func position(err cueerrors.Error) DefinitionErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return DefinitionErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	var zero DefinitionErrorPosition
	return zero
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove the leading definition name (#Definition).
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reConflict.MatchString(raw):
		return "conflict", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if p == "" {
		return p
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
