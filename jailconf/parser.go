package jailconf

import (
	"fmt"
	"io"
	"strings"
	"unicode"
)

type ParseError struct {
	Line    int
	Message string
}

func (err ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", err.Line, err.Message)
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenWord
	tokenString
	tokenOpenBrace
	tokenCloseBrace
	tokenSemicolon
	tokenComma
	tokenAssign
	tokenAppend
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) isName() bool {
	return t.kind == tokenWord || t.kind == tokenString
}

func (t token) String() string {
	switch t.kind {
	case tokenEOF:
		return "end of file"
	case tokenString:
		return fmt.Sprintf("%q", t.text)
	}

	return fmt.Sprintf("'%s'", t.text)
}

// Parse reads a jail.conf document.
func Parse(r io.Reader) (*Conf, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	tokens, err := tokenize(string(data))
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	return p.parse()
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}

	return tok
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) parse() (*Conf, error) {
	conf := New()

	for p.peek().kind != tokenEOF {
		name := p.next()
		if !name.isName() {
			return nil, unexpected(name, "parameter or jail name")
		}

		if p.peek().kind == tokenOpenBrace {
			p.next()

			block, err := p.parseBlock(name)
			if err != nil {
				return nil, err
			}

			if err := conf.AddJail(block); err != nil {
				return nil, ParseError{Line: name.line, Message: fmt.Sprintf("duplicate jail %q", name.text)}
			}

			continue
		}

		err := p.parseParam(&conf.Params, name)
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}

func (p *parser) parseBlock(name token) (*Block, error) {
	block := &Block{Name: name.text}

	for {
		tok := p.next()

		switch {
		case tok.kind == tokenCloseBrace:
			return block, nil
		case tok.isName():
			err := p.parseParam(&block.Params, tok)
			if err != nil {
				return nil, err
			}
		default:
			return nil, unexpected(tok, fmt.Sprintf("parameter or '}' in jail %q", name.text))
		}
	}
}

func (p *parser) parseParam(params *Params, name token) error {
	op := p.next()

	switch op.kind {
	case tokenSemicolon:
		params.Set(name.text, FlagValue())
		return nil

	case tokenAssign, tokenAppend:
		items, err := p.parseItems()
		if err != nil {
			return err
		}

		if op.kind == tokenAppend {
			existing, found := params.Get(name.text)
			if found {
				params.Set(name.text, existing.appending(items...))
				return nil
			}

			params.Set(name.text, ListValue(items...))
			return nil
		}

		if len(items) == 1 {
			params.Set(name.text, ScalarValue(items[0]))
		} else {
			params.Set(name.text, ListValue(items...))
		}

		return nil
	}

	return unexpected(op, fmt.Sprintf("'=', '+=' or ';' after %q", name.text))
}

func (p *parser) parseItems() ([]string, error) {
	var items []string

	for {
		item := p.next()
		if !item.isName() {
			return nil, unexpected(item, "value")
		}

		items = append(items, item.text)

		sep := p.next()

		switch sep.kind {
		case tokenSemicolon:
			return items, nil
		case tokenComma:
			continue
		}

		return nil, unexpected(sep, "',' or ';'")
	}
}

func unexpected(tok token, wanted string) error {
	return ParseError{
		Line:    tok.line,
		Message: fmt.Sprintf("unexpected %s, expected %s", tok, wanted),
	}
}

func tokenize(src string) ([]token, error) {
	var tokens []token

	runes := []rune(src)
	line := 1

	for i := 0; i < len(runes); {
		r := runes[i]

		switch {
		case r == '\n':
			line++
			i++

		case unicode.IsSpace(r):
			i++

		case r == '#' || (r == '/' && i+1 < len(runes) && runes[i+1] == '/'):
			for i < len(runes) && runes[i] != '\n' {
				i++
			}

		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			start := line
			i += 2
			for {
				if i+1 >= len(runes) {
					return nil, ParseError{Line: start, Message: "unterminated comment"}
				}
				if runes[i] == '*' && runes[i+1] == '/' {
					i += 2
					break
				}
				if runes[i] == '\n' {
					line++
				}
				i++
			}

		case r == '{':
			tokens = append(tokens, token{tokenOpenBrace, "{", line})
			i++

		case r == '}':
			tokens = append(tokens, token{tokenCloseBrace, "}", line})
			i++

		case r == ';':
			tokens = append(tokens, token{tokenSemicolon, ";", line})
			i++

		case r == ',':
			tokens = append(tokens, token{tokenComma, ",", line})
			i++

		case r == '=':
			tokens = append(tokens, token{tokenAssign, "=", line})
			i++

		case r == '+' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, token{tokenAppend, "+=", line})
			i += 2

		case r == '"' || r == '\'':
			text, consumed, lines, err := readString(runes[i:], line)
			if err != nil {
				return nil, err
			}

			tokens = append(tokens, token{tokenString, text, line})
			i += consumed
			line += lines

		case isWordRune(r):
			start := i
			for i < len(runes) && isWordRune(runes[i]) {
				if runes[i] == '+' && i+1 < len(runes) && runes[i+1] == '=' {
					break
				}
				i++
			}

			tokens = append(tokens, token{tokenWord, string(runes[start:i]), line})

		default:
			return nil, ParseError{Line: line, Message: fmt.Sprintf("unexpected character %q", r)}
		}
	}

	return append(tokens, token{kind: tokenEOF, line: line}), nil
}

// readString reads a quoted string starting at runes[0]. Double quoted
// strings honour backslash escapes, single quoted strings are literal.
func readString(runes []rune, line int) (string, int, int, error) {
	quote := runes[0]
	text := new(strings.Builder)
	lines := 0

	for i := 1; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == quote:
			return text.String(), i + 1, lines, nil

		case r == '\\' && quote == '"' && i+1 < len(runes):
			i++
			switch runes[i] {
			case 'n':
				text.WriteRune('\n')
			case 't':
				text.WriteRune('\t')
			case '\n':
				lines++
			default:
				text.WriteRune(runes[i])
			}

		default:
			if r == '\n' {
				lines++
			}
			text.WriteRune(r)
		}
	}

	return "", 0, 0, ParseError{Line: line, Message: "unterminated string"}
}

func isWordRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}

	return strings.ContainsRune("._-$/:*@%!~^&?+[]", r)
}
