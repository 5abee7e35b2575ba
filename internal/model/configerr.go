package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type IssueKind string

const (
	IssueUnknownField IssueKind = "unknown_field"
	IssueMissing      IssueKind = "missing"
	IssueConflict     IssueKind = "conflict"
	IssueInvalid      IssueKind = "invalid"
)

// ConfigIssue is one problem LoadConfig found, expressed in terms of the
// YAML the user wrote.
type ConfigIssue struct {
	Path    string // dispatch.redis.addr
	Kind    IssueKind
	Message string
	File    string
	Line    int
	Column  int
}

func (i ConfigIssue) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("kind", string(i.Kind)),
		slog.String("path", i.Path),
		slog.String("message", i.Message),
		slog.String("file", i.File),
		slog.Int("line", i.Line),
		slog.Int("column", i.Column),
	)
}

// ConfigIssues splits a LoadConfig error into one issue per offending
// field. Errors not raised by the schema come back as a single issue.
func ConfigIssues(err error) []ConfigIssue {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return []ConfigIssue{{Kind: IssueInvalid, Message: err.Error()}}
	}

	seen := make(map[string]struct{})
	var out []ConfigIssue
	for _, e := range errs {
		issue := describe(e)
		key := fmt.Sprintf("%s:%d:%d:%s", issue.File, issue.Line, issue.Column, issue.Path)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, issue)
	}
	return out
}

func describe(e cueerrors.Error) ConfigIssue {
	format, args := e.Msg()
	raw := fmt.Sprintf(format, args...)
	if raw == "" {
		raw = e.Error()
	}

	path := e.Path()
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	issue := ConfigIssue{
		Path:    strings.Join(path, "."),
		Kind:    IssueInvalid,
		Message: raw,
	}
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() == "" {
			continue
		}
		issue.File, issue.Line, issue.Column = p.Filename(), p.Line(), p.Column()
		break
	}

	field := issue.Path
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "not allowed"):
		issue.Kind = IssueUnknownField
		issue.Message = fmt.Sprintf("field %s is not allowed", field)
	case strings.Contains(lower, "incomplete value"):
		issue.Kind = IssueMissing
		issue.Message = fmt.Sprintf("field %s is required", field)
	case strings.Contains(lower, "conflicting values"), strings.Contains(lower, "empty disjunction"):
		issue.Kind = IssueConflict
		issue.Message = fmt.Sprintf("invalid value for %s", field)
		if allowed := enumValues(issue.Path); len(allowed) > 0 {
			issue.Message += ", one of: " + strings.Join(allowed, ", ")
		}
	}
	return issue
}

// enumValues lists the string alternatives the schema allows at path.
func enumValues(path string) []string {
	if path == "" {
		return nil
	}
	v := schema.LookupPath(cue.ParsePath(path))
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var out []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
