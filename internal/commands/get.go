package commands

import (
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
)

func init() {
	Register("GET", []ArgSpec{
		{Name: "key", Type: "string", Required: true, Description: "The key to get"},
		{Name: "transactionId", Type: "string", Required: false, Description: "The transaction to read the key in"},
	}, ensureGet, execGet)
}

type GetArgs struct {
	key           string
	transactionId string
}

func ensureGet(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*GetArgs, error) {
	if len(cmd.Args) < 1 {
		return nil, errors.New("command must have at least one argument - key")
	}
	if len(cmd.Args) > 2 {
		return nil, errors.New("command must have at most two arguments - key, transactionId")
	}

	return &GetArgs{key: cmd.Args[0], transactionId: txArg(cmd.Args, 1)}, nil
}

func execGet(gm *gridmanager.GridManager, getArgs *GetArgs, ctx *CommandContext) ([]byte, error) {
	c, err := ctx.Session.context(ctx.Ctx, getArgs.transactionId)
	if err != nil {
		return nil, err
	}

	v, found, err := gm.Get(c, getArgs.key)
	if err != nil {
		return nil, err
	}
	if !found {
		return []byte("-1"), nil
	}
	return v, nil
}
