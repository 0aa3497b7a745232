package labxql

import (
	"testing"
)

type testRecord struct {
	timestamp int64
	level     string
	source    string
	layer     string
	protocol  string
	message   string
	direction string
	execution string
}

func (r *testRecord) GetTimestamp() int64    { return r.timestamp }
func (r *testRecord) GetLevel() string       { return r.level }
func (r *testRecord) GetSource() string      { return r.source }
func (r *testRecord) GetLayer() string       { return r.layer }
func (r *testRecord) GetProtocol() string    { return r.protocol }
func (r *testRecord) GetMessage() string     { return r.message }
func (r *testRecord) GetDirection() string   { return r.direction }
func (r *testRecord) GetExecutionID() string { return r.execution }

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{"layer:RRC", []TokenType{TokenIdent, TokenColon, TokenIdent, TokenEOF}},
		{`level:"error"`, []TokenType{TokenIdent, TokenColon, TokenString, TokenEOF}},
		{"protocol:5G_NR", []TokenType{TokenIdent, TokenColon, TokenIdent, TokenEOF}},
		{"a AND b", []TokenType{TokenIdent, TokenAnd, TokenIdent, TokenEOF}},
		{"a or b", []TokenType{TokenIdent, TokenOr, TokenIdent, TokenEOF}},
		{"NOT a", []TokenType{TokenNot, TokenIdent, TokenEOF}},
		{"(a)", []TokenType{TokenLParen, TokenIdent, TokenRParen, TokenEOF}},
		{`key!="value"`, []TokenType{TokenIdent, TokenNeq, TokenString, TokenEOF}},
		{"msg~setup", []TokenType{TokenIdent, TokenTilde, TokenIdent, TokenEOF}},
		{"a ! b", []TokenType{TokenIdent, TokenIllegal, TokenIdent, TokenEOF}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			for i, expected := range tt.expected {
				tok := lexer.NextToken()
				if tok.Type != expected {
					t.Errorf("token %d: expected %v, got %v (%q)", i, expected, tok.Type, tok.Value)
				}
			}
		})
	}
}

func TestLexerStringEscapes(t *testing.T) {
	tok := NewLexer(`"say \"hi\""`).NextToken()
	if tok.Type != TokenString || tok.Value != `say "hi"` {
		t.Fatalf("got %v %q", tok.Type, tok.Value)
	}
}

func TestParseSimple(t *testing.T) {
	tests := []struct {
		input string
		check func(Node) bool
	}{
		{
			input: "layer:RRC",
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "layer" && m.Value == "RRC" && m.Op == OpEqual
			},
		},
		{
			input: `level:"error"`,
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "level" && m.Value == "error" && m.Op == OpEqual
			},
		},
		{
			input: `"timeout"`,
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "" && m.Value == "timeout" && m.Op == OpContains
			},
		},
		{
			input: "message~Setup",
			check: func(n Node) bool {
				m, ok := n.(MatchExpr)
				return ok && m.Key == "message" && m.Value == "Setup" && m.Op == OpContains
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if !tt.check(node) {
				t.Errorf("check failed for input %q, got: %+v", tt.input, node)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	node, err := Parse("   ")
	if err != nil || node != nil {
		t.Fatalf("Parse(blank) = %v, %v", node, err)
	}
}

func TestParseCompound(t *testing.T) {
	node, err := Parse("layer:RRC AND level:error")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	bin, ok := node.(BinaryExpr)
	if !ok || bin.Op != "AND" {
		t.Fatalf("expected BinaryExpr AND, got %+v", node)
	}
	if left, ok := bin.Left.(MatchExpr); !ok || left.Key != "layer" || left.Value != "RRC" {
		t.Errorf("left expected layer:RRC, got %+v", bin.Left)
	}
	if right, ok := bin.Right.(MatchExpr); !ok || right.Key != "level" || right.Value != "error" {
		t.Errorf("right expected level:error, got %+v", bin.Right)
	}
}

func TestParseImplicitAnd(t *testing.T) {
	node, err := Parse("layer:NAS registration")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if bin, ok := node.(BinaryExpr); !ok || bin.Op != "AND" {
		t.Fatalf("expected implicit AND, got %+v", node)
	}
}

func TestParseParentheses(t *testing.T) {
	node, err := Parse("layer:RRC AND (level:error OR level:warning)")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	bin, ok := node.(BinaryExpr)
	if !ok || bin.Op != "AND" {
		t.Fatalf("expected AND at root, got %+v", node)
	}
	if rightBin, ok := bin.Right.(BinaryExpr); !ok || rightBin.Op != "OR" {
		t.Errorf("expected OR on right, got %+v", bin.Right)
	}
}

func TestParseNot(t *testing.T) {
	node, err := Parse("NOT level:debug")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	not, ok := node.(NotExpr)
	if !ok {
		t.Fatalf("expected NotExpr, got %+v", node)
	}
	if m, ok := not.Expr.(MatchExpr); !ok || m.Key != "level" || m.Value != "debug" {
		t.Errorf("expected level:debug, got %+v", not.Expr)
	}
}

func TestParseErrors(t *testing.T) {
	for _, q := range []string{
		"layer:",
		"(layer:RRC",
		"layer:RRC)",
		"color:red",
		"a AND",
		`"unterminated`,
	} {
		t.Run(q, func(t *testing.T) {
			if _, err := Parse(q); err == nil {
				t.Errorf("Parse(%q) expected error", q)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	row := &testRecord{
		timestamp: 1234567890,
		level:     "error",
		source:    "gnb-1",
		layer:     "RRC",
		protocol:  "5G_NR",
		message:   "RRCSetupRequest timeout",
		direction: "UL",
		execution: "exec-42",
	}

	tests := []struct {
		query    string
		expected bool
	}{
		{"layer:RRC", true},
		{"layer:NAS", false},
		{"level:ERROR", true},
		{"level:info", false},
		{"source:gnb-1", true},
		{"protocol:5G_NR", true},
		{"direction:UL", true},
		{"dir!=DL", true},
		{"exec:exec-42", true},
		{"ts:1234567890", true},
		{`"timeout"`, true},
		{`"success"`, false},
		{"msg~setuprequest", true},
		{"layer:RRC AND level:error", true},
		{"layer:RRC AND level:info", false},
		{"layer:NAS OR level:error", true},
		{"NOT level:debug", true},
		{"NOT level:error", false},
		{"layer:RRC NOT timeout", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			node, err := Parse(tt.query)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if got := Match(node, row); got != tt.expected {
				t.Errorf("Match(%q) = %v, want %v", tt.query, got, tt.expected)
			}
		})
	}
}

func TestMatchNilNode(t *testing.T) {
	if !Match(nil, &testRecord{}) {
		t.Fatal("nil node should match")
	}
}
