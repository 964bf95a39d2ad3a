package commands

import (
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
)

func init() {
	Register("ROLLBACK", []ArgSpec{
		{Name: "transactionId", Type: "string", Required: true, Description: "The transaction id to roll back"},
	}, ensureRollback, execRollback)
}

type RollbackArgs struct {
	transactionId string
}

func ensureRollback(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*RollbackArgs, error) {
	if len(cmd.Args) != 1 {
		return nil, errors.New("command must have one argument - transactionId")
	}

	return &RollbackArgs{transactionId: cmd.Args[0]}, nil
}

func execRollback(gm *gridmanager.GridManager, rollbackArgs *RollbackArgs, ctx *CommandContext) ([]byte, error) {
	st, err := ctx.Session.take(rollbackArgs.transactionId)
	if err != nil {
		return nil, err
	}
	if err := st.tx.Rollback(st.ctx); err != nil {
		return nil, err
	}
	return []byte("OK"), nil
}
