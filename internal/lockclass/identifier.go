package lockclass

import "strings"

// postgresReservedWords requires quoting when used bare as an identifier.
// Adapted from the PostgreSQL keyword appendix.
var postgresReservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "asymmetric": true, "both": true,
	"case": true, "cast": true, "check": true, "collate": true, "column": true,
	"constraint": true, "create": true, "current_catalog": true, "current_date": true,
	"current_role": true, "current_schema": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true,
	"deferrable": true, "desc": true, "distinct": true, "do": true,
	"else": true, "end": true, "except": true, "false": true, "fetch": true,
	"for": true, "foreign": true, "from": true, "grant": true, "group": true,
	"having": true, "in": true, "initially": true, "intersect": true,
	"into": true, "lateral": true, "leading": true, "limit": true,
	"localtime": true, "localtimestamp": true, "not": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true,
	"placing": true, "primary": true, "references": true, "returning": true,
	"select": true, "session_user": true, "some": true, "symmetric": true,
	"table": true, "then": true, "to": true, "trailing": true, "true": true,
	"union": true, "unique": true, "user": true, "using": true, "variadic": true,
	"when": true, "where": true, "window": true, "with": true,
}

// needsQuoting reports whether identifier requires double-quoting to be
// used safely in generated SQL: reserved words, mixed case, or anything
// outside [a-z0-9_] starting with a letter/underscore.
func needsQuoting(identifier string) bool {
	if len(identifier) == 0 {
		return false
	}
	if postgresReservedWords[strings.ToLower(identifier)] {
		return true
	}
	for _, ch := range identifier {
		if ch >= 'A' && ch <= 'Z' {
			return true
		}
	}
	first := identifier[0]
	if (first < 'a' || first > 'z') && first != '_' {
		return true
	}
	for i := 1; i < len(identifier); i++ {
		ch := identifier[i]
		if (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') && ch != '_' {
			return true
		}
	}
	return false
}

// QuoteIdentifier is the single helper through which every generated SQL
// fragment must pass an object name (spec §9: "forbid interpolation of
// unvalidated identifiers; always quote through a single helper").
func QuoteIdentifier(identifier string) string {
	if needsQuoting(identifier) {
		escaped := strings.ReplaceAll(identifier, `"`, `""`)
		return `"` + escaped + `"`
	}
	return identifier
}

// QuoteQualified quotes a schema-qualified identifier, quoting each part
// independently.
func QuoteQualified(schema, identifier string) string {
	if schema != "" {
		return QuoteIdentifier(schema) + "." + QuoteIdentifier(identifier)
	}
	return QuoteIdentifier(identifier)
}
