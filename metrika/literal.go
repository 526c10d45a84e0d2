package metrika

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parseur récursif de littéraux style Python : chaînes, nombres,
// True/False/None, listes et dictionnaires. Strictement des données,
// jamais d'évaluation de code.

type literalParser struct {
	s string
	i int
}

func parseLiteral(s string) (any, error) {
	p := &literalParser{s: s}
	p.skipSpace()
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.i != len(p.s) {
		return nil, errors.New("literal: trailing characters at " + p.s[p.i:])
	}
	return v, nil
}

func (p *literalParser) skipSpace() {
	for p.i < len(p.s) && unicode.IsSpace(rune(p.s[p.i])) {
		p.i++
	}
}

func (p *literalParser) parseValue() (any, error) {
	if p.i >= len(p.s) {
		return nil, errors.New("literal: unexpected end of input")
	}
	switch c := p.s[p.i]; {
	case c == '[':
		return p.parseList()
	case c == '{':
		return p.parseDict()
	case c == '\'' || c == '"':
		return p.parseString()
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return p.parseKeyword()
	}
}

func (p *literalParser) parseList() (any, error) {
	p.i++ // [
	out := []any{}
	p.skipSpace()
	if p.i < len(p.s) && p.s[p.i] == ']' {
		p.i++
		return out, nil
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		if p.i >= len(p.s) {
			return nil, errors.New("literal: missing ]")
		}
		switch p.s[p.i] {
		case ',':
			p.i++
			p.skipSpace()
			// virgule terminale tolérée, comme literal_eval
			if p.i < len(p.s) && p.s[p.i] == ']' {
				p.i++
				return out, nil
			}
		case ']':
			p.i++
			return out, nil
		default:
			return nil, errors.New("literal: expected , or ] at " + p.s[p.i:])
		}
	}
}

func (p *literalParser) parseDict() (any, error) {
	p.i++ // {
	out := map[string]any{}
	p.skipSpace()
	if p.i < len(p.s) && p.s[p.i] == '}' {
		p.i++
		return out, nil
	}
	for {
		k, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.i >= len(p.s) || p.s[p.i] != ':' {
			return nil, errors.New("literal: expected : in dict")
		}
		p.i++
		p.skipSpace()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			key = fmt.Sprint(k)
		}
		out[key] = v
		p.skipSpace()
		if p.i >= len(p.s) {
			return nil, errors.New("literal: missing }")
		}
		switch p.s[p.i] {
		case ',':
			p.i++
			p.skipSpace()
			if p.i < len(p.s) && p.s[p.i] == '}' {
				p.i++
				return out, nil
			}
		case '}':
			p.i++
			return out, nil
		default:
			return nil, errors.New("literal: expected , or } at " + p.s[p.i:])
		}
	}
}

func (p *literalParser) parseString() (any, error) {
	quote := p.s[p.i]
	p.i++
	var b strings.Builder
	for p.i < len(p.s) {
		c := p.s[p.i]
		if c == '\\' && p.i+1 < len(p.s) {
			p.i++
			switch e := p.s[p.i]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				// \' \" \\ et tout le reste : caractère brut
				b.WriteByte(e)
			}
			p.i++
			continue
		}
		if c == quote {
			p.i++
			return b.String(), nil
		}
		b.WriteByte(c)
		p.i++
	}
	return nil, errors.New("literal: unterminated string")
}

func (p *literalParser) parseNumber() (any, error) {
	start := p.i
	if p.s[p.i] == '-' || p.s[p.i] == '+' {
		p.i++
	}
	for p.i < len(p.s) {
		c := p.s[p.i]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' ||
			((c == '-' || c == '+') && (p.s[p.i-1] == 'e' || p.s[p.i-1] == 'E')) {
			p.i++
			continue
		}
		break
	}
	tok := p.s[start:p.i]
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, errors.New("literal: bad number " + tok)
	}
	return f, nil
}

func (p *literalParser) parseKeyword() (any, error) {
	start := p.i
	for p.i < len(p.s) && (unicode.IsLetter(rune(p.s[p.i])) || unicode.IsDigit(rune(p.s[p.i]))) {
		p.i++
	}
	switch p.s[start:p.i] {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	return nil, errors.New("literal: invalid token at " + p.s[start:])
}
