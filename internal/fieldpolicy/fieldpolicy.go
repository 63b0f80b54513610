// Package fieldpolicy classifies reference fields into protection levels and
// decides whether a single field change is permitted.
package fieldpolicy

import (
	"strings"
)

// Level is the protection level of a field.
type Level int

// Protection levels, most protected first.
const (
	Immutable Level = iota
	Critical
	Enrichable
	Formattable
)

func (l Level) String() string {
	switch l {
	case Immutable:
		return "immutable"
	case Critical:
		return "critical"
	case Enrichable:
		return "enrichable"
	case Formattable:
		return "formattable"
	default:
		return "unknown"
	}
}

// Kind is the value shape a field accepts.
type Kind int

// Value kinds.
const (
	KindString Kind = iota
	KindYear
	KindAuthors
	KindDOI
	KindURL
)

// Field is a known reference field. Unknown names never become a Field; they
// stay at the parsing boundary and are treated as Critical.
type Field int

// Known fields.
const (
	Unknown Field = iota
	ID
	BibliographyID
	AddedAt
	Source
	Author
	Authors
	Title
	Year
	Publisher
	Location
	Journal
	Volume
	Issue
	Pages
	DOI
	Editor
	Edition
	ConferenceName
	ConferenceLocation
	ConferenceDate
	URL
	PubType
	Collection
	AccessDate
)

var names = map[Field]string{
	ID:                 "id",
	BibliographyID:     "bibliography_id",
	AddedAt:            "added_at",
	Source:             "source",
	Author:             "author",
	Authors:            "authors",
	Title:              "title",
	Year:               "year",
	Publisher:          "publisher",
	Location:           "location",
	Journal:            "journal",
	Volume:             "volume",
	Issue:              "issue",
	Pages:              "pages",
	DOI:                "doi",
	Editor:             "editor",
	Edition:            "edition",
	ConferenceName:     "conference_name",
	ConferenceLocation: "conference_location",
	ConferenceDate:     "conference_date",
	URL:                "url",
	PubType:            "pub_type",
	Collection:         "collection",
	AccessDate:         "access_date",
}

var byName = func() map[string]Field {
	m := make(map[string]Field, len(names))
	for f, n := range names {
		m[n] = f
	}
	return m
}()

// Lookup parses an untrusted field name.
func Lookup(name string) (Field, bool) {
	f, ok := byName[name]
	return f, ok
}

// ParsePath parses a patch path of the form "/field".
func ParsePath(path string) (Field, bool) {
	name, ok := strings.CutPrefix(path, "/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return Unknown, false
	}
	return Lookup(name)
}

// Name returns the wire name of f.
func (f Field) Name() string {
	if n, ok := names[f]; ok {
		return n
	}
	return "unknown"
}

func (f Field) String() string { return f.Name() }

// Level returns the protection level of f. Any field without an explicit
// classification is Critical.
func (f Field) Level() Level {
	switch f {
	case ID, BibliographyID, AddedAt, Source:
		return Immutable
	case Author, Authors, Title, Year:
		return Critical
	case Publisher, Location, Journal, Volume, Issue, Pages, DOI, Editor,
		Edition, ConferenceName, ConferenceLocation, ConferenceDate, URL:
		return Enrichable
	case PubType, Collection, AccessDate:
		return Formattable
	default:
		return Critical
	}
}

// Kind returns the value shape accepted by f.
func (f Field) Kind() Kind {
	switch f {
	case Year:
		return KindYear
	case Author, Authors, Editor:
		return KindAuthors
	case DOI:
		return KindDOI
	case URL:
		return KindURL
	default:
		return KindString
	}
}

// LevelOf returns the protection level for a raw field name.
func LevelOf(name string) Level {
	f, ok := Lookup(name)
	if !ok {
		return Critical
	}
	return f.Level()
}

// Fields returns every known field.
func Fields() []Field {
	out := make([]Field, 0, len(names))
	for f := ID; f <= AccessDate; f++ {
		out = append(out, f)
	}
	return out
}

// Denial reasons.
const (
	ReasonNoChange           = "no change"
	ReasonImmutable          = "field is immutable"
	ReasonCriticalUnverified = "critical field change requires verification or formatting-only change"
	ReasonEnrichUnverified   = "enrichable field already set; change requires verification or formatting-only change"
)

// Allowed decides whether changing a field at level from oldVal to newVal is
// permitted. A no-op change is always denied.
func Allowed(level Level, oldVal, newVal any, verified, formattingOnly bool) (bool, string) {
	if Equal(oldVal, newVal) {
		return false, ReasonNoChange
	}
	switch level {
	case Immutable:
		return false, ReasonImmutable
	case Formattable:
		return true, "formattable field"
	case Enrichable:
		switch {
		case isEmpty(oldVal):
			return true, "enriching empty field"
		case formattingOnly:
			return true, "formatting-only change"
		case verified:
			return true, "verified against external metadata"
		}
		return false, ReasonEnrichUnverified
	default:
		switch {
		case formattingOnly:
			return true, "formatting-only change"
		case verified:
			return true, "verified against external metadata"
		}
		return false, ReasonCriticalUnverified
	}
}

// AllowedName is Allowed for a raw field name.
func AllowedName(name string, oldVal, newVal any, verified, formattingOnly bool) (bool, string) {
	return Allowed(LevelOf(name), oldVal, newVal, verified, formattingOnly)
}
