package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
	"gridkv/internal/parser"
	"gridkv/internal/query"
	"gridkv/internal/transport"
)

// parseClause accepts `*`, a `WHERE ...` condition or a `CEL ...` expression.
func parseClause(arg string) (transport.Clause, error) {
	arg = strings.TrimSpace(arg)
	upper := strings.ToUpper(arg)
	switch {
	case arg == "" || arg == "*":
		return query.All(), nil
	case strings.HasPrefix(upper, "WHERE "):
		if _, err := parser.ParseCondition(arg); err != nil {
			return transport.Clause{}, fmt.Errorf("invalid condition: %w", err)
		}
		return query.Where(arg), nil
	case strings.HasPrefix(upper, "CEL "):
		return query.CEL(strings.TrimSpace(arg[4:])), nil
	default:
		return transport.Clause{}, errors.New("condition must be '*', start with 'WHERE ' or start with 'CEL '")
	}
}

func flattenEntries(partials [][]common.Entry) (map[string]string, error) {
	out := make(map[string]string)
	for _, entries := range partials {
		for _, e := range entries {
			out[e.Key] = string(e.Value)
		}
	}
	return out, nil
}

// scan collects the matching entries of the whole grid as a JSON object.
func scan(ctx context.Context, gm *gridmanager.GridManager, clause transport.Clause, args ...any) ([]byte, error) {
	q := query.NewReduceQuery[[]common.Entry, map[string]string](gm.Engine)
	if err := q.Clause(clause); err != nil {
		return nil, err
	}
	if err := q.RemoteReducer(query.ReducerEntries); err != nil {
		return nil, err
	}
	if err := q.LocalReducer(flattenEntries); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := q.Arguments(args...); err != nil {
			return nil, err
		}
	}

	results, err := q.Reduce(ctx).Get(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

func init() {
	Register("COUNT", []ArgSpec{
		{Name: "condition", Type: "string", Required: false, Description: "Optional condition: '*', 'WHERE key_prefix = user' or 'CEL int(value) > 3'"},
	}, ensureCount, execCount)

	Register("SCAN", []ArgSpec{
		{Name: "condition", Type: "string", Required: true, Description: "Condition for filtering: '*', 'WHERE $value > 100' or 'CEL key.startsWith(\"a\")'"},
	}, ensureScan, execScan)

	Register("CGET", []ArgSpec{
		{Name: "condition", Type: "string", Required: true, Description: "The WHERE condition for key matching (e.g., 'WHERE key_prefix = user')"},
	}, ensureCget, execScan)

	Register("RGET", []ArgSpec{
		{Name: "startKey", Type: "string", Required: true, Description: "The starting key of the range"},
		{Name: "endKey", Type: "string", Required: true, Description: "The ending key of the range"},
	}, ensureRget, execRget)

	Register("AVG", []ArgSpec{
		{Name: "condition", Type: "string", Required: true, Description: "Condition selecting the entries, '*' for all"},
		{Name: "field", Type: "string", Required: false, Description: "Numeric JSON field to average, the value itself when omitted"},
	}, ensureAvg, execAvg)
}

type CountArgs struct {
	clause transport.Clause
}

func ensureCount(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*CountArgs, error) {
	if len(cmd.Args) > 1 {
		return nil, errors.New("command must have at most 1 argument - condition")
	}
	clause, err := parseClause(txArg(cmd.Args, 0))
	if err != nil {
		return nil, err
	}
	return &CountArgs{clause: clause}, nil
}

func execCount(gm *gridmanager.GridManager, countArgs *CountArgs, ctx *CommandContext) ([]byte, error) {
	n, err := gm.Count(ctx.Ctx, countArgs.clause)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprint(n)), nil
}

type ScanArgs struct {
	clause transport.Clause
}

func ensureScan(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*ScanArgs, error) {
	if len(cmd.Args) != 1 {
		return nil, errors.New("command must have one argument - condition")
	}
	clause, err := parseClause(cmd.Args[0])
	if err != nil {
		return nil, err
	}
	return &ScanArgs{clause: clause}, nil
}

func ensureCget(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*ScanArgs, error) {
	if len(cmd.Args) != 1 {
		return nil, errors.New("command must have one argument - condition")
	}
	if !strings.HasPrefix(strings.ToUpper(cmd.Args[0]), "WHERE ") {
		return nil, errors.New("condition must start with 'WHERE '")
	}
	return ensureScan(gm, cmd, ctx)
}

func execScan(gm *gridmanager.GridManager, scanArgs *ScanArgs, ctx *CommandContext) ([]byte, error) {
	return scan(ctx.Ctx, gm, scanArgs.clause)
}

type RgetArgs struct {
	startKey string
	endKey   string
}

func ensureRget(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*RgetArgs, error) {
	if len(cmd.Args) != 2 {
		return nil, errors.New("command must have two arguments - startKey, endKey")
	}
	rgetArgs := &RgetArgs{startKey: cmd.Args[0], endKey: cmd.Args[1]}
	if rgetArgs.startKey > rgetArgs.endKey {
		return nil, errors.New("startKey must be lexicographically less than or equal to endKey")
	}
	return rgetArgs, nil
}

func execRget(gm *gridmanager.GridManager, rgetArgs *RgetArgs, ctx *CommandContext) ([]byte, error) {
	return scan(ctx.Ctx, gm, query.CEL("key >= args[0] && key <= args[1]"), rgetArgs.startKey, rgetArgs.endKey)
}

type AvgArgs struct {
	clause transport.Clause
	field  string
}

func ensureAvg(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*AvgArgs, error) {
	if len(cmd.Args) < 1 || len(cmd.Args) > 2 {
		return nil, errors.New("command must have 1 or 2 arguments - condition, field")
	}
	clause, err := parseClause(cmd.Args[0])
	if err != nil {
		return nil, err
	}
	return &AvgArgs{clause: clause, field: txArg(cmd.Args, 1)}, nil
}

func execAvg(gm *gridmanager.GridManager, avgArgs *AvgArgs, ctx *CommandContext) ([]byte, error) {
	q := query.NewReduceQuery[query.SumCount, float64](gm.Engine)
	if err := q.Clause(avgArgs.clause); err != nil {
		return nil, err
	}
	if err := q.RemoteReducer(query.ReducerSumAndCount); err != nil {
		return nil, err
	}
	if err := q.LocalReducer(query.Average); err != nil {
		return nil, err
	}
	if avgArgs.field != "" {
		if err := q.Arguments(avgArgs.field); err != nil {
			return nil, err
		}
	}

	avg, err := q.Reduce(ctx.Ctx).Get(ctx.Ctx)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprint(avg)), nil
}
