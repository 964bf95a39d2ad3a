package commands

import (
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
)

func init() {
	Register("DELETE", []ArgSpec{
		{Name: "key", Type: "string", Required: true, Description: "The key to delete"},
		{Name: "transactionId", Type: "string", Required: false, Description: "The transaction to delete the key in"},
	}, ensureDelete, execDelete)
}

type DeleteArgs struct {
	key           string
	transactionId string
}

func ensureDelete(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*DeleteArgs, error) {
	if len(cmd.Args) < 1 {
		return nil, errors.New("command must have at least one argument - key")
	}
	if len(cmd.Args) > 2 {
		return nil, errors.New("command must have at most two arguments - key, transactionId")
	}

	return &DeleteArgs{key: cmd.Args[0], transactionId: txArg(cmd.Args, 1)}, nil
}

// execDelete returns the removed value, -1 when the key was absent.
func execDelete(gm *gridmanager.GridManager, deleteArgs *DeleteArgs, ctx *CommandContext) ([]byte, error) {
	c, err := ctx.Session.context(ctx.Ctx, deleteArgs.transactionId)
	if err != nil {
		return nil, err
	}

	old, found, err := gm.Remove(c, deleteArgs.key)
	if err != nil {
		return nil, err
	}
	if !found {
		return []byte("-1"), nil
	}
	return old, nil
}
