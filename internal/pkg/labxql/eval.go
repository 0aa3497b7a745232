package labxql

import (
	"strconv"
	"strings"
)

// Record is the view of a log entry the matcher needs.
type Record interface {
	GetTimestamp() int64
	GetLevel() string
	GetSource() string
	GetLayer() string
	GetProtocol() string
	GetMessage() string
	GetDirection() string
	GetExecutionID() string
}

// Match reports whether row satisfies node. A nil node matches everything.
func Match(node Node, row Record) bool {
	switch n := node.(type) {
	case nil:
		return true
	case BinaryExpr:
		if n.Op == "OR" {
			return Match(n.Left, row) || Match(n.Right, row)
		}
		return Match(n.Left, row) && Match(n.Right, row)
	case MatchExpr:
		return evalMatch(n, row)
	case NotExpr:
		return !Match(n.Expr, row)
	default:
		return false
	}
}

func evalMatch(expr MatchExpr, row Record) bool {
	if expr.Key == "" {
		return matchFullText(expr.Value, row)
	}

	value := fieldValue(expr.Key, row)
	switch expr.Op {
	case OpNotEqual:
		return !strings.EqualFold(value, expr.Value)
	case OpContains:
		return containsFold(value, expr.Value)
	default:
		return strings.EqualFold(value, expr.Value)
	}
}

func knownField(key string) bool {
	switch strings.ToLower(key) {
	case "level", "lvl", "source", "src", "layer", "protocol", "proto",
		"message", "msg", "direction", "dir", "execution", "executionid", "exec",
		"timestamp", "ts":
		return true
	}
	return false
}

func fieldValue(key string, row Record) string {
	switch strings.ToLower(key) {
	case "level", "lvl":
		return row.GetLevel()
	case "source", "src":
		return row.GetSource()
	case "layer":
		return row.GetLayer()
	case "protocol", "proto":
		return row.GetProtocol()
	case "message", "msg":
		return row.GetMessage()
	case "direction", "dir":
		return row.GetDirection()
	case "execution", "executionid", "exec":
		return row.GetExecutionID()
	case "timestamp", "ts":
		return strconv.FormatInt(row.GetTimestamp(), 10)
	default:
		return ""
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func matchFullText(query string, row Record) bool {
	for _, f := range []string{row.GetMessage(), row.GetSource(), row.GetProtocol(), row.GetLayer(), row.GetLevel()} {
		if containsFold(f, query) {
			return true
		}
	}
	return false
}
