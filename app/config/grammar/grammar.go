// Package grammar sketches the declaration-level consumer sitting on
// top of app/config/lexer: it turns a token stream into Declaration
// values (a domain, an optional path pattern with its EqualityType,
// and a destination string) without attempting a full expression
// grammar. Route installation (deciding which matcher.Matcher bucket a
// declaration's EqualityType belongs in) is the caller's job.
package grammar

import (
	"fmt"

	"github.com/fenwickproxy/fenwick/app/config/lexer"
)

// Declaration is one parsed configuration line: "<domain> [<equality>
// <path>] = <destination>", e.g. `example.com ^ "/api" = "http://backend:8080"`.
type Declaration struct {
	Domain      string
	HasPath     bool
	PathMatch   lexer.EqualityType
	Path        string
	Destination string
}

// Error reports a grammar-level problem (wrong token in the wrong
// position) distinct from the lexer's own tokenization errors.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "grammar: " + e.Reason }

// Analyze consumes tokens (as produced by lexer.Lex, with Spacer and
// NewLine tokens still present) and yields one Declaration per
// non-blank line. A line's Statement/Dot run builds the Domain; an
// optional EqualitySwitch+String pair supplies the path; the final
// EqualitySwitch must be "=" followed by the destination String.
func Analyze(tokens []lexer.Token) ([]Declaration, error) {
	var decls []Declaration

	lines := splitLines(tokens)
	for _, line := range lines {
		line = stripSpacers(line)
		if len(line) == 0 {
			continue
		}
		decl, err := analyzeLine(line)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

func splitLines(tokens []lexer.Token) [][]lexer.Token {
	var lines [][]lexer.Token
	var cur []lexer.Token
	for _, t := range tokens {
		switch t.Kind {
		case lexer.KindNewLine:
			lines = append(lines, cur)
			cur = nil
		case lexer.KindEof:
			if len(cur) > 0 {
				lines = append(lines, cur)
			}
		default:
			cur = append(cur, t)
		}
	}
	return lines
}

func stripSpacers(line []lexer.Token) []lexer.Token {
	out := make([]lexer.Token, 0, len(line))
	for _, t := range line {
		if t.Kind != lexer.KindSpacer {
			out = append(out, t)
		}
	}
	return out
}

// domainText reassembles a run of Statement/Dot tokens into a domain
// string, returning how many tokens it consumed.
func domainText(line []lexer.Token) (string, int, error) {
	var b []byte
	i := 0
	for i < len(line) {
		switch line[i].Kind {
		case lexer.KindStatement:
			b = append(b, line[i].Statement...)
		case lexer.KindDot:
			b = append(b, '.')
		default:
			return string(b), i, nil
		}
		i++
	}
	if len(b) == 0 {
		return "", i, &Error{Reason: "expected a domain name"}
	}
	return string(b), i, nil
}

func analyzeLine(line []lexer.Token) (Declaration, error) {
	domain, i, err := domainText(line)
	if err != nil {
		return Declaration{}, err
	}
	decl := Declaration{Domain: domain}

	if i >= len(line) || line[i].Kind != lexer.KindEqualitySwitch {
		return Declaration{}, &Error{Reason: fmt.Sprintf("expected an equality switch after domain %q", domain)}
	}

	first := line[i]
	i++

	if first.EqualitySwitch != lexer.EqualityEqual {
		if i >= len(line) || line[i].Kind != lexer.KindString {
			return Declaration{}, &Error{Reason: "expected a quoted path after the equality switch"}
		}
		decl.HasPath = true
		decl.PathMatch = first.EqualitySwitch
		decl.Path = line[i].StringContent
		i++

		if i >= len(line) || line[i].Kind != lexer.KindEqualitySwitch || line[i].EqualitySwitch != lexer.EqualityEqual {
			return Declaration{}, &Error{Reason: "expected `=` before the destination"}
		}
		i++
	}

	if i >= len(line) || line[i].Kind != lexer.KindString {
		return Declaration{}, &Error{Reason: "expected a quoted destination"}
	}
	decl.Destination = line[i].StringContent
	i++

	if i != len(line) {
		return Declaration{}, &Error{Reason: "unexpected trailing tokens after destination"}
	}
	return decl, nil
}
