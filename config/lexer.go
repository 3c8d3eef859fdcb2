package config

import (
	"fmt"
	"strings"
)

// lexer tokenises configuration text in a single pass over the input,
// switching on the current byte. No external lexer generator.
type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

// lex tokenises the whole of src and runs post-lex validation over the
// result.
func lex(src string) ([]Token, error) {
	l := newLexer(src)

	var tokens []Token
	for {
		tok, ok, err := l.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		tokens = append(tokens, tok)
	}

	for _, tok := range tokens {
		if err := validateToken(tok); err != nil {
			return nil, err
		}
	}

	return tokens, nil
}

func (l *lexer) peekByte() (byte, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	return l.src[l.pos], true
}

func (l *lexer) advance() byte {
	b := l.src[l.pos]
	l.pos++
	if b == '\n' {
		l.line++
	}
	return b
}

// next returns the next token, or ok=false at end of input.
func (l *lexer) next() (Token, bool, error) {
	for {
		b, ok := l.peekByte()
		if !ok {
			return Token{}, false, nil
		}

		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			l.advance()
			continue
		}

		if b == '#' {
			for {
				b, ok := l.peekByte()
				if !ok || b == '\n' {
					break
				}
				l.advance()
			}
			continue
		}

		break
	}

	b, _ := l.peekByte()
	line := l.line

	switch {
	case b == '"' || b == '\'':
		return l.lexQuoted(line)
	case strings.IndexByte(symbolChars, b) >= 0:
		l.advance()
		return Token{Type: SYMBOL, Value: string(b), Line: line}, true, nil
	default:
		return l.lexWord(line)
	}
}

func (l *lexer) lexQuoted(line int) (Token, bool, error) {
	quote := l.advance()

	var sb strings.Builder
	closed := false
	for {
		b, ok := l.peekByte()
		if !ok {
			break
		}
		if b == quote {
			l.advance()
			closed = true
			break
		}
		sb.WriteByte(l.advance())
	}

	if !closed {
		return Token{}, false, fmt.Errorf(
			"config: unclosed quote starting at line %d", line,
		)
	}

	return Token{
		Type:   STRING,
		Value:  sb.String(),
		Quoted: true,
		Line:   line,
	}, true, nil
}

func (l *lexer) lexWord(line int) (Token, bool, error) {
	var sb strings.Builder
	for {
		b, ok := l.peekByte()
		if !ok {
			break
		}
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			break
		}
		if strings.IndexByte(symbolChars, b) >= 0 {
			break
		}
		sb.WriteByte(l.advance())
	}

	word := sb.String()

	tt := STRING
	switch {
	case isAllDigits(word):
		tt = NUMBER
	case attributeNames[word]:
		tt = ATTRIBUTE
	case levelNames[word]:
		tt = LEVEL
	}

	return Token{Type: tt, Value: word, Line: line}, true, nil
}

// validateToken checks a token's value against the lexical rules its type
// implies: symbols are one of "{};", numbers are all digits, unquoted words
// carry no characters outside the allowed set.
func validateToken(tok Token) error {
	switch tok.Type {
	case SYMBOL:
		if len(tok.Value) != 1 || strings.IndexByte(symbolChars, tok.Value[0]) < 0 {
			return fmt.Errorf(
				"config: invalid symbol %q at line %d", tok.Value, tok.Line,
			)
		}
	case NUMBER:
		if !isAllDigits(tok.Value) {
			return fmt.Errorf(
				"config: invalid number %q at line %d", tok.Value, tok.Line,
			)
		}
	case STRING, KEYWORD:
		if !tok.Quoted && !containsOnly(tok.Value, unquotedAllowedChars) {
			return fmt.Errorf(
				"config: invalid character in %q at line %d",
				tok.Value, tok.Line,
			)
		}
	}

	return nil
}
