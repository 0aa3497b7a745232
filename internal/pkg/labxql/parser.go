package labxql

import (
	"fmt"
)

// Parser builds an AST from a query using recursive descent.
// Precedence from lowest: OR, AND, NOT, primary.
type Parser struct {
	lexer   *Lexer
	current Token
}

// Parse returns the AST for input. An empty query parses to a nil Node,
// which matches every record.
func Parse(input string) (Node, error) {
	p := &Parser{lexer: NewLexer(input)}
	p.advance()
	if p.current.Type == TokenEOF {
		return nil, nil
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("labxql: unexpected %v %q at %d", p.current.Type, p.current.Value, p.current.Pos)
	}
	return node, nil
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// Adjacent terms without an operator are joined with AND, so
// `layer:RRC setup` reads as `layer:RRC AND setup`.
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current.Type {
		case TokenAnd:
			p.advance()
		case TokenIdent, TokenString, TokenNot, TokenLParen:
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
}

func (p *Parser) parseNot() (Node, error) {
	if p.current.Type != TokenNot {
		return p.parsePrimary()
	}
	p.advance()
	expr, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	return NotExpr{Expr: expr}, nil
}

func (p *Parser) parsePrimary() (Node, error) {
	switch p.current.Type {
	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, fmt.Errorf("labxql: expected ')' at %d, got %v", p.current.Pos, p.current.Type)
		}
		p.advance()
		return expr, nil

	case TokenString:
		value := p.current.Value
		p.advance()
		return MatchExpr{Value: value, Op: OpContains}, nil

	case TokenIdent:
		key := p.current.Value
		p.advance()
		switch p.current.Type {
		case TokenColon:
			p.advance()
			return p.parseValue(key, OpEqual)
		case TokenNeq:
			p.advance()
			return p.parseValue(key, OpNotEqual)
		case TokenTilde:
			p.advance()
			return p.parseValue(key, OpContains)
		}
		return MatchExpr{Value: key, Op: OpContains}, nil

	default:
		return nil, fmt.Errorf("labxql: unexpected %v %q at %d", p.current.Type, p.current.Value, p.current.Pos)
	}
}

func (p *Parser) parseValue(key, op string) (Node, error) {
	switch p.current.Type {
	case TokenString, TokenIdent:
		value := p.current.Value
		p.advance()
		if !knownField(key) {
			return nil, fmt.Errorf("labxql: unknown field %q", key)
		}
		return MatchExpr{Key: key, Value: value, Op: op}, nil
	default:
		return nil, fmt.Errorf("labxql: expected value after %s at %d, got %v", key, p.current.Pos, p.current.Type)
	}
}
