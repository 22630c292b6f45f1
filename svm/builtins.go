package svm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/scperrors"
)

// firstInput returns the value of instr's first src register, or nil if it
// has none.
func firstInput(instr *ir.Instruction, inputs map[string]interface{}) interface{} {
	if len(instr.Src) == 0 {
		return nil
	}
	return inputs[instr.Src[0]]
}

// builtinTrigger passes the fired event payload through to dest: the
// trigger's register was already seeded by the activation layer before the
// root slice runs, so this opcode's job is just to name it.
func builtinTrigger(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	if v := firstInput(instr, inputs); v != nil {
		return v, nil
	}
	return instr.Operands["value"], nil
}

// builtinTransform applies one named function, selected by
// operands["fn"], to the first src register. Supported functions mirror
// the small set a workflow's TRANSFORM step actually needs: arithmetic
// scaling, case folding, field projection and Go-template interpolation
// against every resolved input.
func builtinTransform(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	fn, _ := instr.Operands["fn"].(string)
	value := firstInput(instr, inputs)

	switch strings.ToLower(fn) {
	case "", "identity":
		return value, nil
	case "multiply":
		factor := numericOperand(instr.Operands, "factor", 1)
		n, ok := toFloat(value)
		if !ok {
			return nil, scperrors.New("svm.transform", "operand-shape", scperrors.ErrOperandShape)
		}
		return n * factor, nil
	case "add":
		delta := numericOperand(instr.Operands, "delta", 0)
		n, ok := toFloat(value)
		if !ok {
			return nil, scperrors.New("svm.transform", "operand-shape", scperrors.ErrOperandShape)
		}
		return n + delta, nil
	case "uppercase":
		return strings.ToUpper(fmt.Sprint(value)), nil
	case "lowercase":
		return strings.ToLower(fmt.Sprint(value)), nil
	case "field":
		path, _ := instr.Operands["path"].(string)
		return fieldLookup(value, path), nil
	case "template":
		tmpl, _ := instr.Operands["template"].(string)
		return renderTemplate(tmpl, inputs), nil
	default:
		return nil, scperrors.New("svm.transform", "operand-shape", fmt.Errorf("%w: unknown transform fn %q", scperrors.ErrOperandShape, fn))
	}
}

// builtinFilter evaluates a comparison predicate against the first src
// register. Since LLM-IR has no branch opcode, a filtered-out value still
// flows to dest as {"passed": false, "value": v}; downstream CALL_* and
// built-in operands are expected to treat an unset "passed" field or
// passed=false as a caller-level no-op rather than an executor error.
func builtinFilter(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	value := firstInput(instr, inputs)
	field, _ := instr.Operands["field"].(string)
	op, _ := instr.Operands["op"].(string)
	threshold := instr.Operands["threshold"]

	subject := value
	if field != "" {
		subject = fieldLookup(value, field)
	}

	passed, err := evaluatePredicate(subject, op, threshold)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"passed": passed, "value": value}, nil
}

func evaluatePredicate(subject interface{}, op string, threshold interface{}) (bool, error) {
	if op == "" {
		return subject != nil, nil
	}
	lhs, lok := toFloat(subject)
	rhs, rok := toFloat(threshold)
	if lok && rok {
		switch op {
		case ">":
			return lhs > rhs, nil
		case ">=":
			return lhs >= rhs, nil
		case "<":
			return lhs < rhs, nil
		case "<=":
			return lhs <= rhs, nil
		case "==":
			return lhs == rhs, nil
		case "!=":
			return lhs != rhs, nil
		}
	}
	switch op {
	case "==":
		return fmt.Sprint(subject) == fmt.Sprint(threshold), nil
	case "!=":
		return fmt.Sprint(subject) != fmt.Sprint(threshold), nil
	}
	return false, scperrors.New("svm.filter", "operand-shape", fmt.Errorf("%w: unsupported predicate op %q", scperrors.ErrOperandShape, op))
}

// builtinAggregate folds every src register through operands["fn"]
// (default "collect").
func builtinAggregate(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	values := make([]interface{}, 0, len(instr.Src))
	for _, s := range instr.Src {
		values = append(values, inputs[s])
	}

	fn, _ := instr.Operands["fn"].(string)
	switch strings.ToLower(fn) {
	case "", "collect":
		return values, nil
	case "sum":
		var total float64
		for _, v := range values {
			if n, ok := toFloat(v); ok {
				total += n
			}
		}
		return total, nil
	case "avg":
		if len(values) == 0 {
			return 0.0, nil
		}
		var total float64
		for _, v := range values {
			if n, ok := toFloat(v); ok {
				total += n
			}
		}
		return total / float64(len(values)), nil
	case "min", "max":
		nums := make([]float64, 0, len(values))
		for _, v := range values {
			if n, ok := toFloat(v); ok {
				nums = append(nums, n)
			}
		}
		if len(nums) == 0 {
			return nil, scperrors.New("svm.aggregate", "operand-bounds", scperrors.ErrOperandBounds)
		}
		sort.Float64s(nums)
		if fn == "min" {
			return nums[0], nil
		}
		return nums[len(nums)-1], nil
	case "concat":
		parts := make([]string, 0, len(values))
		for _, v := range values {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, fmt.Sprint(instr.Operands["separator"])), nil
	default:
		return nil, scperrors.New("svm.aggregate", "operand-shape", fmt.Errorf("%w: unknown aggregate fn %q", scperrors.ErrOperandShape, fn))
	}
}

// builtinValidate rejects a value outside operands["min"]/["max"] bounds
// or failing a named type check.
func builtinValidate(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	value := firstInput(instr, inputs)

	if wantType, ok := instr.Operands["type"].(string); ok && wantType != "" {
		if !matchesType(value, wantType) {
			return nil, scperrors.New("svm.validate", "operand-shape", scperrors.ErrOperandShape)
		}
	}
	if n, ok := toFloat(value); ok {
		if minV, ok := instr.Operands["min"]; ok {
			if m, ok := toFloat(minV); ok && n < m {
				return nil, scperrors.New("svm.validate", "operand-bounds", scperrors.ErrOperandBounds)
			}
		}
		if maxV, ok := instr.Operands["max"]; ok {
			if m, ok := toFloat(maxV); ok && n > m {
				return nil, scperrors.New("svm.validate", "operand-bounds", scperrors.ErrOperandBounds)
			}
		}
	}
	return value, nil
}

func matchesType(value interface{}, wantType string) bool {
	switch strings.ToLower(wantType) {
	case "number":
		_, ok := toFloat(value)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "bool", "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}

// builtinLoadResource reads a constant operand, or a value previously
// written by STORE_MEMORY when operands["fromMemory"] names a key.
func (vm *VM) builtinLoadResource(workflowID string, instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	if key, ok := instr.Operands["fromMemory"].(string); ok && key != "" {
		v, found := vm.memory.Get(workflowID, key)
		if !found {
			return nil, scperrors.New("svm.loadResource", "unset-register", fmt.Errorf("%w: memory key %q", scperrors.ErrUnsetRegister, key))
		}
		return v, nil
	}
	if v, ok := instr.Operands["value"]; ok {
		return v, nil
	}
	return firstInput(instr, inputs), nil
}

// builtinStoreMemory persists the first src register (or operands["value"])
// under operands["key"], surviving across slice boundaries within the
// workflow.
func (vm *VM) builtinStoreMemory(workflowID string, instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	key, _ := instr.Operands["key"].(string)
	if key == "" {
		return nil, scperrors.New("svm.storeMemory", "operand-shape", fmt.Errorf("%w: missing operand \"key\"", scperrors.ErrOperandShape))
	}
	value := firstInput(instr, inputs)
	if value == nil {
		value = instr.Operands["value"]
	}
	vm.memory.Set(workflowID, key, value)
	return value, nil
}

// builtinEventStateMachine and builtinHandlePropagated implement the
// placement/routing half of the distributed FSM opcodes; the spec leaves
// their internal transition semantics unspecified (GLOSSARY, Open
// Questions), so these pass the event through as an opaque state
// transition record rather than interpreting it.
func builtinEventStateMachine(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	event := firstInput(instr, inputs)
	state, _ := instr.Operands["state"].(string)
	return map[string]interface{}{"state": state, "event": event}, nil
}

func builtinHandlePropagated(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	return firstInput(instr, inputs), nil
}

// builtinRemoteCommand and builtinHandleRemoteCmd pass their payload
// through; REMOTE_COMMAND always runs on central per §4.x, so the actual
// remote dispatch is the orchestrator's job, triggered by this opcode's
// dest register carrying the command payload to ship.
func builtinRemoteCommand(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"targetNodeId": instr.TargetNodeID,
		"command":      instr.Operands["command"],
		"payload":      firstInput(instr, inputs),
	}, nil
}

func builtinHandleRemoteCmd(instr *ir.Instruction, inputs map[string]interface{}) (interface{}, error) {
	return firstInput(instr, inputs), nil
}

func numericOperand(operands map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := operands[key]; ok {
		if n, ok := toFloat(v); ok {
			return n
		}
	}
	return fallback
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func fieldLookup(value interface{}, path string) interface{} {
	if path == "" {
		return value
	}
	current := value
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func renderTemplate(tmpl string, inputs map[string]interface{}) string {
	out := tmpl
	for k, v := range inputs {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}
