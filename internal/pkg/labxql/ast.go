package labxql

// Node is implemented by every AST node.
type Node interface {
	node()
}

// BinaryExpr joins two expressions with AND or OR.
type BinaryExpr struct {
	Op    string
	Left  Node
	Right Node
}

func (BinaryExpr) node() {}

// Operators accepted by MatchExpr.
const (
	OpEqual    = "="
	OpNotEqual = "!="
	OpContains = "CONTAINS"
)

// MatchExpr compares a single field against a value.
// An empty Key searches every text field of the entry.
type MatchExpr struct {
	Key   string
	Value string
	Op    string
}

func (MatchExpr) node() {}

// NotExpr negates Expr.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}
