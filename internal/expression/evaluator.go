package expression

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"
)

// Evaluator decides whether a predicate holds for env. An empty expression
// always holds. Evaluation errors are reported as *Error.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, env Value) (bool, error)
}

// Error describes a predicate that could not be compiled or evaluated.
type Error struct {
	Expression string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluating %q: %v", e.Expression, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// LuaEvaluator runs predicates in a fresh, sandboxed Lua state per call.
// Top-level keys of the environment map become Lua globals, so a context of
// {"user": {"plan": "free"}} allows `user.plan == 'free'`.
type LuaEvaluator struct{}

// NewLuaEvaluator returns a ready evaluator. It holds no state and is safe
// for concurrent use.
func NewLuaEvaluator() *LuaEvaluator {
	return &LuaEvaluator{}
}

var sandboxLibraries = []struct {
	name string
	open lua.Function
}{
	{"_G", lua.BaseOpen},
	{"string", lua.StringOpen},
	{"math", lua.MathOpen},
}

// Globals from the base library that reach outside the sandbox or could
// swallow the errors raised by the instruction hook.
var blockedGlobals = []string{"dofile", "loadfile", "load", "require", "collectgarbage", "print", "pcall", "xpcall"}

// String functions whose output size is not bounded by their input.
var blockedStringFuncs = []string{"rep"}

const (
	// hookInterval is how many VM instructions run between context checks.
	hookInterval = 1000
	// instructionBudget caps the VM instructions of one evaluation.
	instructionBudget = 1_000_000
)

// ErrInstructionBudget is wrapped by the *Error of a predicate that ran for
// more than the instruction budget.
var ErrInstructionBudget = errors.New("instruction budget exceeded")

func (e *LuaEvaluator) Evaluate(ctx context.Context, expr string, env Value) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	src := strings.TrimSpace(expr)
	if src == "" {
		return true, nil
	}

	if word, ok := statementKeyword(src); ok {
		return false, &Error{Expression: expr, Err: fmt.Errorf("%q is not allowed in a predicate", word)}
	}
	return e.run(ctx, expr, "return ("+Translate(src)+")", env)
}

// run executes chunk in a fresh sandboxed state and interprets its single
// result as the predicate value.
func (e *LuaEvaluator) run(ctx context.Context, expr, chunk string, env Value) (bool, error) {
	l := lua.NewState()
	for _, lib := range sandboxLibraries {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range blockedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}
	l.Global("string")
	for _, name := range blockedStringFuncs {
		l.PushNil()
		l.SetField(-2, name)
	}
	l.Pop(1)
	for _, key := range env.Keys() {
		v, _ := env.Get(key)
		push(l, v)
		l.SetGlobal(key)
	}

	var executed int
	var overBudget bool
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		executed += hookInterval
		if ctx.Err() != nil {
			lua.Errorf(l, "evaluation cancelled")
		}
		if executed > instructionBudget {
			overBudget = true
			lua.Errorf(l, "instruction budget exceeded")
		}
	}, lua.MaskCount, hookInterval)

	if err := lua.LoadString(l, chunk); err != nil {
		return false, &Error{Expression: expr, Err: err}
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		switch {
		case ctx.Err() != nil:
			return false, &Error{Expression: expr, Err: ctx.Err()}
		case overBudget:
			return false, &Error{Expression: expr, Err: ErrInstructionBudget}
		}
		return false, &Error{Expression: expr, Err: err}
	}
	if l.TypeOf(-1) != lua.TypeBoolean {
		return false, &Error{Expression: expr, Err: fmt.Errorf("result is %s, want boolean", lua.TypeNameOf(l, -1))}
	}
	return l.ToBoolean(-1), nil
}

// push places v on top of the Lua stack. Lists become 1-indexed tables.
func push(l *lua.State, v Value) {
	switch v.kind {
	case KindString:
		l.PushString(v.str)
	case KindInt:
		l.PushInteger(int(v.num))
	case KindFloat:
		l.PushNumber(v.float)
	case KindBool:
		l.PushBoolean(v.truth)
	case KindBytes:
		l.PushString(string(v.bytes))
	case KindList:
		l.CreateTable(len(v.list), 0)
		for i, e := range v.list {
			push(l, e)
			l.RawSetInt(-2, i+1)
		}
	case KindMap:
		l.CreateTable(0, len(v.dict))
		for k, e := range v.dict {
			push(l, e)
			l.SetField(-2, k)
		}
	default:
		l.PushNil()
	}
}
