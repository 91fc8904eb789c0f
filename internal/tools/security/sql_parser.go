// Package security provides the safety policies every database tool runs
// before anything reaches the SQL gateway: identifier validation, predicate
// and impact checks, protected schemas and read-only statement analysis.
package security

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// DangerousToken represents a construct that disqualifies a statement from
// read-only execution.
type DangerousToken struct {
	// Token is the keyword, function or character found.
	Token string `json:"token"`

	// Position is the byte offset of the token in the normalized statement.
	Position int `json:"position"`

	// Risk categorizes the type of danger this token represents.
	Risk string `json:"risk"`
}

// SQLAnalysis contains the results of analyzing a statement for read-only use.
type SQLAnalysis struct {
	// Statement is the original statement that was analyzed.
	Statement string `json:"statement"`

	// Normalized is the statement with comments removed, literals blanked,
	// lowercased and whitespace collapsed.
	Normalized string `json:"normalized"`

	// IsSafe indicates whether the statement may run as a read-only query.
	IsSafe bool `json:"is_safe"`

	// DangerousTokens contains every disqualifying construct found.
	DangerousTokens []DangerousToken `json:"dangerous_tokens,omitempty"`

	// Reason provides a human-readable explanation of why the statement is unsafe.
	Reason string `json:"reason,omitempty"`
}

const (
	riskStatementChain = "statement_chain"
	riskNotReadOnly    = "not_read_only"
	riskWrite          = "write"
	riskDDL            = "ddl"
	riskPrivilege      = "privilege"
	riskTransaction    = "transaction"
	riskSession        = "session"
	riskMaintenance    = "maintenance"
	riskFunction       = "function"
	riskEscape         = "escape"
	riskUnterminated   = "unterminated"
	riskEmpty          = "empty"
)

// deniedKeywords maps keywords that may not appear anywhere in a read-only
// statement to their risk categories.
var deniedKeywords = map[string]string{
	"insert":      riskWrite,
	"update":      riskWrite,
	"delete":      riskWrite,
	"merge":       riskWrite,
	"truncate":    riskWrite,
	"copy":        riskWrite,
	"into":        riskWrite,
	"create":      riskDDL,
	"alter":       riskDDL,
	"drop":        riskDDL,
	"comment":     riskDDL,
	"security":    riskDDL,
	"grant":       riskPrivilege,
	"revoke":      riskPrivilege,
	"begin":       riskTransaction,
	"commit":      riskTransaction,
	"rollback":    riskTransaction,
	"savepoint":   riskTransaction,
	"start":       riskTransaction,
	"transaction": riskTransaction,
	"lock":        riskTransaction,
	"set":         riskSession,
	"reset":       riskSession,
	"do":          riskSession,
	"call":        riskSession,
	"execute":     riskSession,
	"vacuum":      riskMaintenance,
	"reindex":     riskMaintenance,
	"cluster":     riskMaintenance,
	"uescape":     riskEscape,
}

// deniedFunctions are callable from a SELECT but change server state or
// reach outside the database.
var deniedFunctions = map[string]bool{
	"set_config":           true,
	"setval":               true,
	"nextval":              true,
	"pg_terminate_backend": true,
	"pg_cancel_backend":    true,
	"pg_reload_conf":       true,
	"pg_rotate_logfile":    true,
	"pg_sleep":             true,
	"pg_read_file":         true,
	"pg_read_binary_file":  true,
	"pg_ls_dir":            true,
	"pg_stat_file":         true,
	"pg_advisory_lock":     true,
	"lo_import":            true,
	"lo_export":            true,
	"lo_unlink":            true,
	"dblink":               true,
	"dblink_exec":          true,
}

// riskDescriptions provides human-readable descriptions for each risk type.
var riskDescriptions = map[string]string{
	riskStatementChain: "multiple statements are not allowed",
	riskNotReadOnly:    "only SELECT queries (optionally with a WITH clause) are allowed",
	riskWrite:          "data-modifying statements are not allowed",
	riskDDL:            "schema changes are not allowed",
	riskPrivilege:      "privilege changes are not allowed",
	riskTransaction:    "transaction and locking control is not allowed",
	riskSession:        "session commands and procedure calls are not allowed",
	riskMaintenance:    "maintenance commands are not allowed",
	riskFunction:       "functions that change server state are not allowed",
	riskEscape:         "custom Unicode escape characters are not allowed",
	riskUnterminated:   "the statement has an unterminated quote or comment",
	riskEmpty:          "the statement is empty",
}

// NormalizeSQL removes comments, replaces string literals and dollar-quoted
// bodies with empty placeholders, lowercases the rest and collapses
// whitespace. Quoted identifiers keep their unescaped name, with every byte
// outside [A-Za-z0-9_$] replaced by an underscore, so quoted function calls
// stay visible. The second return value is false when a quote or comment is
// left open.
func NormalizeSQL(sql string) (string, bool) {
	var b strings.Builder
	b.Grow(len(sql))
	terminated := true

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 1
			}
			b.WriteByte(' ')

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			// Block comments nest in Postgres.
			depth := 1
			j := i + 2
			for j < len(sql) && depth > 0 {
				switch {
				case sql[j] == '/' && j+1 < len(sql) && sql[j+1] == '*':
					depth++
					j += 2
				case sql[j] == '*' && j+1 < len(sql) && sql[j+1] == '/':
					depth--
					j += 2
				default:
					j++
				}
			}
			if depth > 0 {
				terminated = false
			}
			i = j
			b.WriteByte(' ')

		case c == '\'':
			escapes := i > 0 && (sql[i-1] == 'e' || sql[i-1] == 'E') && (i == 1 || !isWordByte(sql[i-2]))
			j, ok := skipQuoted(sql, i+1, '\'', escapes)
			if !ok {
				terminated = false
			}
			i = j
			b.WriteString("''")

		case c == '"':
			unicodeEscapes := i >= 2 && sql[i-1] == '&' && (sql[i-2] == 'u' || sql[i-2] == 'U') &&
				(i == 2 || !isWordByte(sql[i-3]))
			j, ok := skipQuoted(sql, i+1, '"', false)
			body := sql[i+1 : j]
			if ok {
				body = sql[i+1 : j-1]
			} else {
				terminated = false
			}
			body = strings.ReplaceAll(body, `""`, `"`)
			if unicodeEscapes {
				body = decodeUnicodeEscapes(body)
			}
			i = j
			b.WriteByte('"')
			b.WriteString(sanitizeQuotedIdentifier(body))
			b.WriteByte('"')

		case c == '$' && (i == 0 || !isWordByte(sql[i-1])):
			tag, ok := dollarTag(sql, i)
			if !ok {
				b.WriteByte(c)
				i++
				continue
			}
			body := strings.Index(sql[i+len(tag):], tag)
			if body < 0 {
				terminated = false
				i = len(sql)
			} else {
				i += len(tag) + body + len(tag)
			}
			b.WriteString("''")

		case unicode.IsSpace(rune(c)):
			b.WriteByte(' ')
			i++

		default:
			b.WriteByte(c)
			i++
		}
	}

	return strings.Join(strings.Fields(strings.ToLower(b.String())), " "), terminated
}

// skipQuoted returns the index just past the closing quote. A doubled quote
// is an escaped quote; with backslashEscapes a backslash escapes the next byte.
func skipQuoted(s string, i int, quote byte, backslashEscapes bool) (int, bool) {
	for i < len(s) {
		switch {
		case backslashEscapes && s[i] == '\\':
			i += 2
		case s[i] == quote && i+1 < len(s) && s[i+1] == quote:
			i += 2
		case s[i] == quote:
			return i + 1, true
		default:
			i++
		}
	}
	return len(s), false
}

// dollarTag returns the opening $tag$ at s[i:], if any. Positional
// parameters such as $1 are not tags.
func dollarTag(s string, i int) (string, bool) {
	j := i + 1
	for j < len(s) && s[j] != '$' {
		c := s[j]
		if !(c == '_' || unicode.IsLetter(rune(c)) || (j > i+1 && unicode.IsDigit(rune(c)))) {
			return "", false
		}
		j++
	}
	if j >= len(s) {
		return "", false
	}
	return s[i : j+1], true
}

// sanitizeQuotedIdentifier keeps the word bytes of a quoted identifier so
// nothing inside it can read as a statement separator or a closing quote.
func sanitizeQuotedIdentifier(name string) string {
	out := []byte(name)
	for i, c := range out {
		if !(c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			out[i] = '_'
		}
	}
	return string(out)
}

// decodeUnicodeEscapes resolves the \XXXX and \+XXXXXX escapes of a U&"..."
// identifier. Malformed escapes are left as written.
func decodeUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			i++
			continue
		}
		switch {
		case i+1 < len(s) && s[i+1] == '\\':
			b.WriteByte('\\')
			i += 2
			continue
		case i+7 < len(s) && s[i+1] == '+':
			if r, err := strconv.ParseUint(s[i+2:i+8], 16, 32); err == nil {
				b.WriteRune(rune(r))
				i += 8
				continue
			}
		case i+4 < len(s):
			if r, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
				b.WriteRune(rune(r))
				i += 5
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

// AnalyzeSQL checks whether a statement is a single read-only query.
//
// The statement must start with SELECT or WITH, may end with one semicolon,
// and may not contain any denylisted keyword as a whole word or call a
// state-changing function, quoted or not. Literals and comments are ignored
// and quoted identifiers are exempt from the keyword check, so a quoted
// column named "comment" is fine while a bare one is rejected.
func AnalyzeSQL(sql string) *SQLAnalysis {
	analysis := &SQLAnalysis{
		Statement: sql,
		IsSafe:    true,
	}

	normalized, terminated := NormalizeSQL(sql)
	normalized = strings.TrimSpace(strings.TrimSuffix(normalized, ";"))
	analysis.Normalized = normalized

	flag := func(token string, pos int, risk string) {
		analysis.IsSafe = false
		analysis.DangerousTokens = append(analysis.DangerousTokens, DangerousToken{Token: token, Position: pos, Risk: risk})
	}

	if !terminated {
		flag("", len(normalized), riskUnterminated)
	}
	if normalized == "" {
		flag("", 0, riskEmpty)
		analysis.Reason = describeRisks(analysis.DangerousTokens)
		return analysis
	}

	if pos := strings.IndexByte(normalized, ';'); pos >= 0 {
		flag(";", pos, riskStatementChain)
	}

	words := scanWords(normalized)
	if len(words) == 0 || words[0].quoted || (words[0].text != "select" && words[0].text != "with") {
		first := ""
		if len(words) > 0 {
			first = words[0].text
		}
		flag(first, 0, riskNotReadOnly)
	}

	for _, w := range words {
		if risk, ok := deniedKeywords[w.text]; ok && !w.quoted {
			flag(w.text, w.pos, risk)
			continue
		}
		if deniedFunctions[w.text] && w.call {
			flag(w.text, w.pos, riskFunction)
		}
	}

	if !analysis.IsSafe {
		analysis.Reason = describeRisks(analysis.DangerousTokens)
	}
	return analysis
}

type sqlWord struct {
	text   string
	pos    int
	call   bool
	quoted bool
}

// scanWords splits a normalized statement into identifier-like words,
// noting which are quoted identifiers and which are immediately followed
// by an opening parenthesis.
func scanWords(s string) []sqlWord {
	var words []sqlWord
	for i := 0; i < len(s); {
		var w sqlWord
		switch {
		case s[i] == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return words
			}
			w = sqlWord{text: s[i+1 : i+1+end], pos: i + 1, quoted: true}
			i += end + 2
		case isWordByte(s[i]) && s[i] != '$':
			start := i
			for i < len(s) && isWordByte(s[i]) {
				i++
			}
			w = sqlWord{text: s[start:i], pos: start}
		default:
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] == ' ' {
			j++
		}
		w.call = j < len(s) && s[j] == '('
		words = append(words, w)
	}
	return words
}

func describeRisks(tokens []DangerousToken) string {
	risks := make(map[string]bool)
	for _, token := range tokens {
		risks[token.Risk] = true
	}

	var reasons []string
	for risk := range risks {
		if desc, ok := riskDescriptions[risk]; ok {
			reasons = append(reasons, desc)
		}
	}
	sort.Strings(reasons)
	return strings.Join(reasons, "; ")
}
