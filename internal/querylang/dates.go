package querylang

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	relativeDatePattern = regexp.MustCompile(`\bNOW\b(?:\s*([-+])\s*(\d+)\s*([hdwmy])\b)?`)
	dateLiteralPattern  = regexp.MustCompile(`\{\s*"\$date"\s*:\s*("(?:[^"\\]|\\.)*")\s*\}`)
)

// HasRelativeDate reports whether the query depends on the current time.
func HasRelativeDate(query string) bool {
	return len(relativeDates(RewriteDateLiterals(query))) > 0
}

// RewriteDateLiterals turns {"$date": "..."} literals into date("...") calls.
func RewriteDateLiterals(query string) string {
	return dateLiteralPattern.ReplaceAllString(query, `date($1)`)
}

// RewriteRelativeDates replaces NOW and NOW +/- <n><unit> with absolute timestamps
// computed from anchor. Units are h, d, w, m (months) and y. A bare occurrence
// becomes date("..."), an unquoted date() argument becomes "..." and a string
// argument of date() is rewritten in place. Other string literals are left alone.
func RewriteRelativeDates(query string, anchor time.Time) string {
	matches := relativeDates(query)
	if len(matches) == 0 {
		return query
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(query[last:m.span[0]])
		ts := anchor
		if m.groups[2] >= 0 {
			n, _ := strconv.Atoi(query[m.groups[4]:m.groups[5]])
			if query[m.groups[2]:m.groups[3]] == "-" {
				n = -n
			}
			ts = shiftDate(anchor, n, query[m.groups[6]:m.groups[7]])
		}
		formatted := ts.UTC().Format(time.RFC3339)
		switch m.kind {
		case dateBare:
			b.WriteString(`date("` + formatted + `")`)
		case dateArgument:
			b.WriteString(`"` + formatted + `"`)
		case dateString:
			b.WriteString(formatted)
		}
		last = m.span[1]
	}
	b.WriteString(query[last:])
	return b.String()
}

type relativeDateKind int

const (
	dateBare relativeDateKind = iota
	dateArgument
	dateString
)

type relativeDate struct {
	kind   relativeDateKind
	span   [2]int
	groups []int
}

// relativeDates lists the NOW expressions of query that take part in date
// resolution.
func relativeDates(query string) []relativeDate {
	var out []relativeDate
	for _, m := range relativeDatePattern.FindAllStringSubmatchIndex(query, -1) {
		rd := relativeDate{span: [2]int{m[0], m[1]}, groups: m}
		start, end, quoted := enclosingString(query, m[0])
		switch {
		case !quoted && followsDateCall(query, m[0]):
			rd.kind = dateArgument
		case !quoted:
			rd.kind = dateBare
		case followsDateCall(query, start) &&
			strings.TrimSpace(query[start+1:end]) == query[m[0]:m[1]]:
			rd.kind = dateString
		default:
			continue
		}
		out = append(out, rd)
	}
	return out
}

// followsDateCall reports whether pos directly follows "date(", ignoring
// whitespace.
func followsDateCall(s string, pos int) bool {
	head := strings.TrimRight(s[:pos], " \t\r\n")
	if !strings.HasSuffix(head, "date(") {
		return false
	}
	head = strings.TrimRight(strings.TrimSuffix(head, "date("), " \t\r\n")
	if head == "" {
		return true
	}
	c := head[len(head)-1]
	return !(c == '_' || c == '.' || c == '$' || c == '-' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9'))
}

func shiftDate(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "h":
		return t.Add(time.Duration(n) * time.Hour)
	case "d":
		return t.AddDate(0, 0, n)
	case "w":
		return t.AddDate(0, 0, 7*n)
	case "m":
		return t.AddDate(0, n, 0)
	case "y":
		return t.AddDate(n, 0, 0)
	}
	return t
}

// enclosingString returns the bounds of the string literal containing pos: the
// offsets of its opening and closing quotes.
func enclosingString(s string, pos int) (start, end int, ok bool) {
	start = -1
	for i := 0; i < pos; i++ {
		switch s[i] {
		case '\\':
			if start >= 0 {
				i++
			}
		case '"':
			if start >= 0 {
				start = -1
			} else {
				start = i
			}
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	for end = pos; end < len(s); end++ {
		switch s[end] {
		case '\\':
			end++
		case '"':
			return start, end, true
		}
	}
	return start, len(s), true
}
