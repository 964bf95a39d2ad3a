package commands

import (
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
)

func init() {
	Register("COMMIT", []ArgSpec{
		{Name: "transactionId", Type: "string", Required: true, Description: "The transaction id to commit"},
	}, ensureCommit, execCommit)
}

type CommitArgs struct {
	transactionId string
}

func ensureCommit(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*CommitArgs, error) {
	if len(cmd.Args) != 1 {
		return nil, errors.New("command must have one argument - transactionId")
	}

	return &CommitArgs{transactionId: cmd.Args[0]}, nil
}

// execCommit ends the transaction either way: a failed commit rolls back.
func execCommit(gm *gridmanager.GridManager, commitArgs *CommitArgs, ctx *CommandContext) ([]byte, error) {
	st, err := ctx.Session.take(commitArgs.transactionId)
	if err != nil {
		return nil, err
	}
	defer st.tx.Close()

	if err := st.tx.Commit(st.ctx); err != nil {
		return nil, err
	}
	return []byte("OK"), nil
}
