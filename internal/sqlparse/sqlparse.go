// Package sqlparse extracts the verb and referenced table names from
// SQL text. It is a best-effort tokenizer, not a SQL parser: exotic
// statements (subselects in FROM, quoted identifiers containing
// keywords, CTEs) can yield false negatives. Callers must not use it
// as the sole permission boundary.
package sqlparse

import "strings"

// Verbs recognized by Verb, in wire casing.
const (
	VerbSelect = "SELECT"
	VerbInsert = "INSERT"
	VerbUpdate = "UPDATE"
	VerbDrop   = "DROP"
	VerbCreate = "CREATE"
)

var knownVerbs = map[string]string{
	"SELECT": VerbSelect,
	"INSERT": VerbInsert,
	"UPDATE": VerbUpdate,
	"DROP":   VerbDrop,
	"CREATE": VerbCreate,
}

// clause keywords that terminate a FROM table list.
var fromTerminators = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true,
	"HAVING": true, "UNION": true, "EXCEPT": true, "INTERSECT": true,
	"WINDOW": true,
}

// join keywords folded into comma separation when scanning FROM.
var joinWords = map[string]bool{
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"FULL": true, "OUTER": true, "CROSS": true, "NATURAL": true,
}

// conflict-resolution modifiers allowed between UPDATE and the target.
var updateModifiers = map[string]bool{
	"OR": true, "ROLLBACK": true, "ABORT": true, "REPLACE": true,
	"FAIL": true, "IGNORE": true, "LOW_PRIORITY": true,
}

// Verb returns the first recognized keyword of the statement,
// uppercased, or "" if the statement starts with none of them.
func Verb(sql string) string {
	for _, tok := range tokens(sql) {
		if v, ok := knownVerbs[strings.ToUpper(tok)]; ok {
			return v
		}
		return ""
	}
	return ""
}

// IsSelect reports whether the statement's verb is SELECT.
func IsSelect(sql string) bool { return Verb(sql) == VerbSelect }

// Tables returns the table names the statement references, or an
// empty list when the verb is unrecognized or nothing matches.
func Tables(sql string) []string {
	switch Verb(sql) {
	case VerbSelect:
		return selectTables(sql)
	case VerbInsert:
		return insertTables(sql)
	case VerbUpdate:
		return updateTables(sql)
	default:
		return nil
	}
}

func selectTables(sql string) []string {
	toks := tokens(sql)
	from := -1
	for i, tok := range toks {
		if strings.EqualFold(tok, "FROM") {
			from = i
			break
		}
	}
	if from < 0 {
		return nil
	}

	// Walk the FROM clause. Each comma or join keyword starts a new
	// table reference; within one reference only the first bare token
	// is the table, everything else is alias or join condition.
	var out []string
	expectTable := true
	skipCondition := false
	for _, tok := range toks[from+1:] {
		upper := strings.ToUpper(tok)
		if fromTerminators[upper] {
			break
		}
		switch {
		case tok == ",":
			expectTable = true
			skipCondition = false
		case joinWords[upper]:
			expectTable = true
			skipCondition = false
		case upper == "ON" || upper == "USING":
			skipCondition = true
		case upper == "AS":
			// alias follows; it is consumed as a non-table token
		case skipCondition:
			// join condition text
		case expectTable:
			if name := cleanIdent(tok); name != "" {
				out = append(out, name)
			}
			expectTable = false
		}
	}
	return out
}

func insertTables(sql string) []string {
	toks := tokens(sql)
	for i, tok := range toks {
		if strings.EqualFold(tok, "INTO") && i+1 < len(toks) {
			if name := cleanIdent(toks[i+1]); name != "" {
				return []string{name}
			}
			return nil
		}
	}
	return nil
}

func updateTables(sql string) []string {
	toks := tokens(sql)
	seenUpdate := false
	for _, tok := range toks {
		upper := strings.ToUpper(tok)
		if !seenUpdate {
			if upper == "UPDATE" {
				seenUpdate = true
			}
			continue
		}
		if updateModifiers[upper] {
			continue
		}
		if name := cleanIdent(tok); name != "" {
			return []string{name}
		}
		return nil
	}
	return nil
}

// tokens splits SQL on whitespace, keeping commas as their own token
// and cutting identifiers at an opening parenthesis.
func tokens(sql string) []string {
	var out []string
	field := strings.Builder{}
	flush := func() {
		if field.Len() > 0 {
			out = append(out, field.String())
			field.Reset()
		}
	}
	for _, r := range sql {
		switch r {
		case ' ', '\t', '\n', '\r', ';':
			flush()
		case ',':
			flush()
			out = append(out, ",")
		case '(':
			flush()
			out = append(out, "(")
		case ')':
			flush()
			out = append(out, ")")
		default:
			field.WriteRune(r)
		}
	}
	flush()
	return out
}

func cleanIdent(tok string) string {
	tok = strings.Trim(tok, "`\"'[]")
	if tok == "" || tok == "(" || tok == ")" || tok == "," {
		return ""
	}
	// parenthesized subqueries and expressions are not table names
	if strings.ContainsAny(tok, "=<>+*") {
		return ""
	}
	return tok
}
