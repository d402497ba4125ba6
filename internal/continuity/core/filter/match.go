package filter

import (
	"fmt"
	"strings"
	"time"

	"go.einride.tech/aip/filtering"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// QueueFields are the filterable attributes of one queue record.
type QueueFields struct {
	SessionID    string
	PendingCount int
	UpdatedAt    time.Time
}

// NewQueueMatcher parses a filter expression once and returns a predicate
// over queue fields, for stores that evaluate filters in process. An empty
// filter matches every record.
func NewQueueMatcher(filterStr string) (func(QueueFields) bool, error) {
	if strings.TrimSpace(filterStr) == "" {
		return func(QueueFields) bool { return true }, nil
	}

	decls, err := QueueDeclarations()
	if err != nil {
		return nil, fmt.Errorf("create declarations: %w", err)
	}

	parsed, err := filtering.ParseFilterString(filterStr, decls)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}

	root := parsed.CheckedExpr.Expr
	return func(fields QueueFields) bool {
		ok, err := matchExpr(root, fields)
		return err == nil && ok
	}, nil
}

func matchExpr(e *expr.Expr, fields QueueFields) (bool, error) {
	if e == nil {
		return true, nil
	}

	call, ok := e.ExprKind.(*expr.Expr_CallExpr)
	if !ok {
		return false, fmt.Errorf("unsupported expression type: %T", e.ExprKind)
	}

	fn := call.CallExpr.Function
	args := call.CallExpr.Args
	switch fn {
	case "_&&_", "AND":
		if len(args) != 2 {
			return false, fmt.Errorf("AND requires 2 arguments")
		}
		left, err := matchExpr(args[0], fields)
		if err != nil {
			return false, err
		}
		if !left {
			return false, nil
		}
		return matchExpr(args[1], fields)
	case "_||_", "OR":
		if len(args) != 2 {
			return false, fmt.Errorf("OR requires 2 arguments")
		}
		left, err := matchExpr(args[0], fields)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return matchExpr(args[1], fields)
	case "_==_", "=":
		return matchComparison(args, "=", fields)
	case "_!=_", "!=":
		return matchComparison(args, "!=", fields)
	case "_<_", "<":
		return matchComparison(args, "<", fields)
	case "_<=_", "<=":
		return matchComparison(args, "<=", fields)
	case "_>_", ">":
		return matchComparison(args, ">", fields)
	case "_>=_", ">=":
		return matchComparison(args, ">=", fields)
	default:
		return false, fmt.Errorf("unsupported function: %s", fn)
	}
}

func matchComparison(args []*expr.Expr, op string, fields QueueFields) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("comparison requires 2 arguments")
	}

	field, err := extractFieldName(args[0])
	if err != nil {
		return false, err
	}
	value, err := extractValue(args[1])
	if err != nil {
		return false, err
	}

	switch field {
	case "session_id":
		want, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("session_id requires a string value")
		}
		return compareOrdered(strings.Compare(fields.SessionID, want), op), nil
	case "pending_count":
		want, err := toInt64(value)
		if err != nil {
			return false, fmt.Errorf("pending_count: %w", err)
		}
		return compareInt64(int64(fields.PendingCount), want, op), nil
	case "updated_at":
		want, err := toInt64(value)
		if err != nil {
			return false, fmt.Errorf("updated_at: %w", err)
		}
		return compareInt64(fields.UpdatedAt.UTC().UnixMilli(), want, op), nil
	default:
		return false, fmt.Errorf("unknown field: %s", field)
	}
}

func compareInt64(got, want int64, op string) bool {
	switch {
	case got < want:
		return compareOrdered(-1, op)
	case got > want:
		return compareOrdered(1, op)
	default:
		return compareOrdered(0, op)
	}
}

// compareOrdered maps a three-way comparison result onto the operator.
func compareOrdered(cmp int, op string) bool {
	switch op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	default:
		return false
	}
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("requires a numeric value, got %T", value)
	}
}
