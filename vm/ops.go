package vm

import (
	"fmt"
	"math"

	"github.com/deepnoodle-ai/optree/op"
)

// truthy implements the default boolean coercion used by conditional
// branches when no converter is configured.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// binaryOp evaluates an arithmetic operation. Integer operands
// stay integers; mixing in a float widens the result to float64. Add also
// concatenates strings.
func binaryOp(t op.BinaryOpType, left, right any) (any, error) {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok && t == op.Add {
			return ls + rs, nil
		}
	}
	if li, ok := asInt(left); ok {
		if ri, ok := asInt(right); ok {
			return intBinaryOp(t, li, ri)
		}
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("unsupported operand types for %s: %T and %T", t, left, right)
	}
	return floatBinaryOp(t, lf, rf)
}

func intBinaryOp(t op.BinaryOpType, left, right int64) (any, error) {
	switch t {
	case op.Add:
		return left + right, nil
	case op.Subtract:
		return left - right, nil
	case op.Multiply:
		return left * right, nil
	case op.Divide:
		if right == 0 {
			return nil, fmt.Errorf("integer division by zero")
		}
		return left / right, nil
	case op.Modulo:
		if right == 0 {
			return nil, fmt.Errorf("integer modulo by zero")
		}
		return left % right, nil
	case op.Power:
		return int64(math.Pow(float64(left), float64(right))), nil
	case op.LShift:
		return left << uint(right), nil
	case op.RShift:
		return left >> uint(right), nil
	}
	return nil, fmt.Errorf("unknown binary operation %d", t)
}

func floatBinaryOp(t op.BinaryOpType, left, right float64) (any, error) {
	switch t {
	case op.Add:
		return left + right, nil
	case op.Subtract:
		return left - right, nil
	case op.Multiply:
		return left * right, nil
	case op.Divide:
		if right == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return left / right, nil
	case op.Modulo:
		return math.Mod(left, right), nil
	case op.Power:
		return math.Pow(left, right), nil
	}
	return nil, fmt.Errorf("unsupported float binary operation %s", t)
}

// compareOp evaluates a comparison, always producing a bool.
func compareOp(t op.CompareOpType, left, right any) (any, error) {
	switch t {
	case op.Equal:
		return equals(left, right), nil
	case op.NotEqual:
		return !equals(left, right), nil
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return compareOrdered(t, ls, rs)
		}
	}
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("unsupported comparison types: %T and %T", left, right)
	}
	return compareOrdered(t, lf, rf)
}

func compareOrdered[T string | float64](t op.CompareOpType, left, right T) (any, error) {
	switch t {
	case op.LessThan:
		return left < right, nil
	case op.LessThanOrEqual:
		return left <= right, nil
	case op.GreaterThan:
		return left > right, nil
	case op.GreaterThanOrEqual:
		return left >= right, nil
	}
	return nil, fmt.Errorf("unknown comparison %d", t)
}

// equals compares for equality with numeric widening, so int64(3) equals
// float64(3).
func equals(left, right any) bool {
	if lf, ok := asFloat(left); ok {
		if rf, ok := asFloat(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}

// negate evaluates arithmetic negation.
func negate(value any) (any, error) {
	switch v := value.(type) {
	case int64:
		return -v, nil
	case int:
		return int64(-v), nil
	case float64:
		return -v, nil
	}
	return nil, fmt.Errorf("unsupported operand type for negation: %T", value)
}
