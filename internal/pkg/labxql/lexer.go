package labxql

import (
	"strings"
	"unicode"
)

// TokenType is the kind of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenString
	TokenColon
	TokenLParen
	TokenRParen
	TokenAnd
	TokenOr
	TokenNot
	TokenNeq
	TokenTilde
	TokenIllegal
)

func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenIdent:
		return "identifier"
	case TokenString:
		return "string"
	case TokenColon:
		return "':'"
	case TokenLParen:
		return "'('"
	case TokenRParen:
		return "')'"
	case TokenAnd:
		return "AND"
	case TokenOr:
		return "OR"
	case TokenNot:
		return "NOT"
	case TokenNeq:
		return "'!='"
	case TokenTilde:
		return "'~'"
	default:
		return "illegal"
	}
}

// Token is one lexical token with its position in the input.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// Lexer splits a query into tokens.
type Lexer struct {
	input string
	pos   int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// NextToken returns the next token, or TokenEOF once the input is consumed.
func (l *Lexer) NextToken() Token {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}

	start := l.pos
	switch ch := l.input[l.pos]; ch {
	case ':':
		l.pos++
		return Token{Type: TokenColon, Value: ":", Pos: start}
	case '~':
		l.pos++
		return Token{Type: TokenTilde, Value: "~", Pos: start}
	case '(':
		l.pos++
		return Token{Type: TokenLParen, Value: "(", Pos: start}
	case ')':
		l.pos++
		return Token{Type: TokenRParen, Value: ")", Pos: start}
	case '!':
		if l.pos+1 < len(l.input) && l.input[l.pos+1] == '=' {
			l.pos += 2
			return Token{Type: TokenNeq, Value: "!=", Pos: start}
		}
		l.pos++
		return Token{Type: TokenIllegal, Value: "!", Pos: start}
	case '"', '\'':
		return l.readString(ch)
	default:
		if isIdentChar(ch) {
			return l.readIdent()
		}
		l.pos++
		return Token{Type: TokenIllegal, Value: string(ch), Pos: start}
	}
}

func (l *Lexer) readString(quote byte) Token {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.input) && l.input[l.pos] != quote {
		if l.input[l.pos] == '\\' && l.pos+1 < len(l.input) {
			l.pos++
		}
		b.WriteByte(l.input[l.pos])
		l.pos++
	}
	if l.pos >= len(l.input) {
		return Token{Type: TokenIllegal, Value: l.input[start:], Pos: start}
	}
	l.pos++
	return Token{Type: TokenString, Value: b.String(), Pos: start}
}

func (l *Lexer) readIdent() Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
	}
	value := l.input[start:l.pos]

	switch upper := strings.ToUpper(value); upper {
	case "AND":
		return Token{Type: TokenAnd, Value: upper, Pos: start}
	case "OR":
		return Token{Type: TokenOr, Value: upper, Pos: start}
	case "NOT":
		return Token{Type: TokenNot, Value: upper, Pos: start}
	}
	return Token{Type: TokenIdent, Value: value, Pos: start}
}

// Protocol names such as 5G_NR start with a digit, so digits are valid
// anywhere in an identifier.
func isIdentChar(ch byte) bool {
	r := rune(ch)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || ch == '_' || ch == '-' || ch == '.' || ch == '/'
}
