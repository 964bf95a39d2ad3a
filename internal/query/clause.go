package query

import (
	"encoding/json"
	"fmt"

	"gridkv/internal/common"
	"gridkv/internal/parser"
	"gridkv/internal/transport"

	"github.com/google/cel-go/cel"
)

const (
	ClauseAll   = "all"
	ClauseWhere = "where"
	ClauseCEL   = "cel"
)

// All selects every entry.
func All() transport.Clause {
	return transport.Clause{Kind: ClauseAll}
}

// Where selects entries with a condition such as `key_prefix = CONF-`.
func Where(condition string) transport.Clause {
	return transport.Clause{Kind: ClauseWhere, Expr: condition}
}

// CEL selects entries with a boolean CEL expression over `key`, the JSON
// decoded `value` and the query `args`.
func CEL(expr string) transport.Clause {
	return transport.Clause{Kind: ClauseCEL, Expr: expr}
}

type matcher func(e common.Entry) (bool, error)

// compileClause turns a clause into a matcher bound to args.
func compileClause(c transport.Clause, args []json.RawMessage) (matcher, error) {
	switch c.Kind {
	case "", ClauseAll:
		return func(common.Entry) (bool, error) { return true, nil }, nil
	case ClauseWhere:
		match, err := parser.ParseCondition(c.Expr)
		if err != nil {
			return nil, fmt.Errorf("where clause: %w", err)
		}
		return func(e common.Entry) (bool, error) {
			return match(e.Key, e.Value), nil
		}, nil
	case ClauseCEL:
		return compileCEL(c.Expr, args)
	default:
		return nil, fmt.Errorf("unknown clause kind %q", c.Kind)
	}
}

func compileCEL(expr string, args []json.RawMessage) (matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("value", cel.DynType),
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL program: %w", err)
	}

	decodedArgs := make([]any, len(args))
	for i, raw := range args {
		decodedArgs[i] = decode(raw)
	}

	return func(e common.Entry) (bool, error) {
		out, _, err := prg.Eval(map[string]any{
			"key":   e.Key,
			"value": decode(e.Value),
			"args":  decodedArgs,
		})
		if err != nil {
			return false, fmt.Errorf("error evaluating CEL expression on %q: %w", e.Key, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("CEL expression %q returned %T, want bool", expr, out.Value())
		}
		return b, nil
	}, nil
}

// decode parses a JSON value, falling back to the raw string.
func decode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
