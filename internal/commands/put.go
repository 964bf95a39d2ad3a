package commands

import (
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
)

func init() {
	Register("PUT", []ArgSpec{
		{Name: "key", Type: "string", Required: true, Description: "The key to set"},
		{Name: "value", Type: "string", Required: true, Description: "The value to set"},
		{Name: "transactionId", Type: "string", Required: false, Description: "The transaction to write the key in"},
	}, ensurePut, execPut)
}

type PutArgs struct {
	key           string
	value         string
	transactionId string
}

func ensurePut(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*PutArgs, error) {
	argLen := len(cmd.Args)
	if argLen < 2 {
		return nil, errors.New("command must have at least 2 arguments - key, value")
	}
	if argLen > 3 {
		return nil, errors.New("command must have at most 3 arguments - key, value, transactionId")
	}

	return &PutArgs{
		key:           cmd.Args[0],
		value:         cmd.Args[1],
		transactionId: txArg(cmd.Args, 2),
	}, nil
}

func execPut(gm *gridmanager.GridManager, putArgs *PutArgs, ctx *CommandContext) ([]byte, error) {
	c, err := ctx.Session.context(ctx.Ctx, putArgs.transactionId)
	if err != nil {
		return nil, err
	}
	if err := gm.Put(c, putArgs.key, []byte(putArgs.value)); err != nil {
		return nil, err
	}
	return []byte("OK"), nil
}
