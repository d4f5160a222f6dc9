package wikidata

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// qidPattern is the only shape of entity id the pipeline accepts. Anything
// else coming back from the query service is discarded row-by-row rather
// than failing the whole page.
var qidPattern = regexp.MustCompile(`^Q\d+$`)

// QIDFromURI extracts the entity id from a full entity URI
// (http://www.wikidata.org/entity/Q392 -> Q392). The second return is false
// when the trailing path segment is not a well-formed id.
func QIDFromURI(uri string) (string, bool) {
	seg := uri
	if idx := strings.LastIndexByte(uri, '/'); idx >= 0 {
		seg = uri[idx+1:]
	}
	if !qidPattern.MatchString(seg) {
		return "", false
	}
	return seg, true
}

// Ordinal returns the numeric part of an entity id (Q392 -> 392), used as
// the stable paging cursor for new-entity discovery.
func Ordinal(qid string) (int64, bool) {
	if !qidPattern.MatchString(qid) {
		return 0, false
	}
	n, err := strconv.ParseInt(qid[1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// sparqlResponse is the SPARQL 1.1 JSON results envelope. Only the tabular
// bindings are consumed; head.vars is ignored.
type sparqlResponse struct {
	Results struct {
		Bindings []binding `json:"bindings"`
	} `json:"results"`
}

type sparqlValue struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
}

// binding is one result row: variable name to typed value.
type binding map[string]sparqlValue

// str returns the raw string value of a variable, or nil when unbound.
func (b binding) str(name string) *string {
	v, ok := b[name]
	if !ok || v.Value == "" {
		return nil
	}
	s := v.Value
	return &s
}

// label returns a human-readable label, treating an id-shaped value as
// missing. The label service falls back to the entity id when no label
// exists in the requested language, and storing that would poison the
// null-preserving merge.
func (b binding) label(name string) *string {
	s := b.str(name)
	if s == nil || qidPattern.MatchString(*s) {
		return nil
	}
	return s
}

// qid resolves a URI-valued variable to an entity id. False when the
// variable is unbound or the id is malformed.
func (b binding) qid(name string) (string, bool) {
	v, ok := b[name]
	if !ok {
		return "", false
	}
	return QIDFromURI(v.Value)
}

// qidPtr is qid for optional columns.
func (b binding) qidPtr(name string) *string {
	id, ok := b.qid(name)
	if !ok {
		return nil
	}
	return &id
}

// timestamp parses a dateTime-valued variable. False when unbound or
// unparseable.
func (b binding) timestamp(name string) (time.Time, bool) {
	v, ok := b[name]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v.Value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// year reduces a dateTime-valued variable to its year. The graph stores
// low-precision dates (year-only inception, for example) as full dateTimes,
// so the year is the only digit worth trusting.
func (b binding) year(name string) *int {
	t, ok := b.timestamp(name)
	if !ok {
		return nil
	}
	y := t.Year()
	return &y
}

// date returns the full dateTime value of a variable, or nil when unbound.
func (b binding) date(name string) *time.Time {
	t, ok := b.timestamp(name)
	if !ok {
		return nil
	}
	return &t
}
