package modprobe

import (
	"bytes"
	"regexp"
	"strings"
)

// Field is a line-anchored directive. Pattern is matched against the line with
// any leading whitespace and comment markers removed.
type Field struct {
	Name    string
	Pattern *regexp.Regexp
}

type FieldStatus int

const (
	FieldAbsent FieldStatus = iota
	FieldActive
	FieldCommented
)

func (s FieldStatus) String() string {
	switch s {
	case FieldActive:
		return "active"
	case FieldCommented:
		return "commented"
	default:
		return "absent"
	}
}

// ClaimField matches "softdep <module> pre: ... <driver>", the directive that
// makes the pass-through driver load before a native driver.
func ClaimField(passthroughDriver string) Field {
	return Field{
		Name:    "softdep",
		Pattern: regexp.MustCompile(`^softdep\s+\S+\s+pre:(\s+\S+)*\s+` + regexp.QuoteMeta(passthroughDriver) + `(\s|$)`),
	}
}

// IDsField matches "options <driver> ids=", which would claim every listed
// vendor:device id at boot.
func IDsField(passthroughDriver string) Field {
	return Field{
		Name:    "ids",
		Pattern: regexp.MustCompile(`^options\s+` + regexp.QuoteMeta(passthroughDriver) + `\s+.*\bids=`),
	}
}

type line struct {
	body string // without the line terminator
	eol  string // "\n", "\r\n" or "" for a final unterminated line
}

// Document is a modprobe.d file held as lines so that edits touch only the
// lines of a field and everything else round-trips byte for byte.
type Document struct {
	lines []line
}

func Parse(data []byte) *Document {
	doc := &Document{}
	rest := string(data)
	for rest != "" {
		idx := strings.IndexByte(rest, '\n')
		if idx < 0 {
			doc.lines = append(doc.lines, line{body: rest})
			break
		}
		body, eol := rest[:idx], "\n"
		if strings.HasSuffix(body, "\r") {
			body, eol = body[:len(body)-1], "\r\n"
		}
		doc.lines = append(doc.lines, line{body: body, eol: eol})
		rest = rest[idx+1:]
	}
	return doc
}

func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	for _, l := range d.lines {
		buf.WriteString(l.body)
		buf.WriteString(l.eol)
	}
	return buf.Bytes()
}

// Status reports whether f is present and active. An active occurrence wins
// over commented ones.
func (d *Document) Status(f Field) FieldStatus {
	status := FieldAbsent
	for _, l := range d.lines {
		directive, commented := splitComment(l.body)
		if !f.Pattern.MatchString(directive) {
			continue
		}
		if !commented {
			return FieldActive
		}
		status = FieldCommented
	}
	return status
}

// SetActive comments or uncomments every line of f and returns how many lines
// changed.
func (d *Document) SetActive(f Field, active bool) int {
	changed := 0
	for i, l := range d.lines {
		directive, commented := splitComment(l.body)
		if !f.Pattern.MatchString(directive) {
			continue
		}
		switch {
		case active && commented:
			d.lines[i].body = leadingSpace(l.body) + directive
			changed++
		case !active && !commented:
			d.lines[i].body = "#" + l.body
			changed++
		}
	}
	return changed
}

// splitComment strips leading whitespace and any run of '#' markers with the
// blanks that follow them.
func splitComment(body string) (string, bool) {
	s := strings.TrimLeft(body, " \t")
	if !strings.HasPrefix(s, "#") {
		return s, false
	}
	s = strings.TrimLeft(s, "#")
	return strings.TrimLeft(s, " \t"), true
}

func leadingSpace(body string) string {
	return body[:len(body)-len(strings.TrimLeft(body, " \t"))]
}
