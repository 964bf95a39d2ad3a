package commands

import (
	"errors"
	"fmt"
	"strings"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
	"gridkv/internal/transactionmanager"
)

func init() {
	Register("BEGIN", []ArgSpec{
		{Name: "concurrency", Type: "string", Required: false, Description: "PESSIMISTIC (default) or OPTIMISTIC"},
		{Name: "isolation", Type: "string", Required: false, Description: "REPEATABLE_READ (default) or READ_COMMITTED"},
	}, ensureBegin, execBegin)
}

type BeginArgs struct {
	concurrency transactionmanager.Concurrency
	isolation   transactionmanager.Isolation
}

func ensureBegin(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*BeginArgs, error) {
	if len(cmd.Args) > 2 {
		return nil, errors.New("command must have at most 2 arguments - concurrency, isolation")
	}

	beginArgs := &BeginArgs{
		concurrency: transactionmanager.Pessimistic,
		isolation:   transactionmanager.RepeatableRead,
	}
	for _, arg := range cmd.Args {
		switch strings.ToUpper(arg) {
		case transactionmanager.Pessimistic.String():
			beginArgs.concurrency = transactionmanager.Pessimistic
		case transactionmanager.Optimistic.String():
			beginArgs.concurrency = transactionmanager.Optimistic
		case transactionmanager.RepeatableRead.String():
			beginArgs.isolation = transactionmanager.RepeatableRead
		case transactionmanager.ReadCommitted.String():
			beginArgs.isolation = transactionmanager.ReadCommitted
		default:
			return nil, fmt.Errorf("unknown transaction option %q", arg)
		}
	}

	return beginArgs, nil
}

func execBegin(gm *gridmanager.GridManager, beginArgs *BeginArgs, ctx *CommandContext) ([]byte, error) {
	txCtx, tx, err := gm.Begin(ctx.Ctx, beginArgs.concurrency, beginArgs.isolation)
	if err != nil {
		return nil, err
	}
	ctx.Session.add(txCtx, tx)

	return []byte(tx.ID()), nil
}
