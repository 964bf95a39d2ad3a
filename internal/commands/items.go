package commands

import (
	"encoding/json"
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
	"gridkv/internal/itemservice"
)

func init() {
	Register("PUSH", []ArgSpec{
		{Name: "parentId", Type: "string", Required: true, Description: "The parent item"},
		{Name: "childId", Type: "string", Required: true, Description: "The item to attach"},
		{Name: "transactionId", Type: "string", Required: false, Description: "The transaction to join"},
	}, ensureLink, execPush)

	Register("POP", []ArgSpec{
		{Name: "parentId", Type: "string", Required: true, Description: "The parent item"},
		{Name: "childId", Type: "string", Required: true, Description: "The item to detach"},
		{Name: "transactionId", Type: "string", Required: false, Description: "The transaction to join"},
	}, ensureLink, execPop)

	Register("CHILDREN", []ArgSpec{
		{Name: "itemId", Type: "string", Required: true, Description: "The item to list the children of"},
	}, ensureChildren, execChildren)
}

type LinkArgs struct {
	parentId      string
	childId       string
	transactionId string
}

func ensureLink(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*LinkArgs, error) {
	if len(cmd.Args) < 2 || len(cmd.Args) > 3 {
		return nil, errors.New("command must have 2 or 3 arguments - parentId, childId, transactionId")
	}
	return &LinkArgs{parentId: cmd.Args[0], childId: cmd.Args[1], transactionId: txArg(cmd.Args, 2)}, nil
}

func execPush(gm *gridmanager.GridManager, linkArgs *LinkArgs, ctx *CommandContext) ([]byte, error) {
	c, err := ctx.Session.context(ctx.Ctx, linkArgs.transactionId)
	if err != nil {
		return nil, err
	}
	children, err := itemservice.New(gm).Push(c, linkArgs.parentId, linkArgs.childId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(children)
}

func execPop(gm *gridmanager.GridManager, linkArgs *LinkArgs, ctx *CommandContext) ([]byte, error) {
	c, err := ctx.Session.context(ctx.Ctx, linkArgs.transactionId)
	if err != nil {
		return nil, err
	}
	children, err := itemservice.New(gm).Pop(c, linkArgs.parentId, linkArgs.childId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(children)
}

type ChildrenArgs struct {
	itemId string
}

func ensureChildren(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*ChildrenArgs, error) {
	if len(cmd.Args) != 1 {
		return nil, errors.New("command must have one argument - itemId")
	}
	return &ChildrenArgs{itemId: cmd.Args[0]}, nil
}

func execChildren(gm *gridmanager.GridManager, childrenArgs *ChildrenArgs, ctx *CommandContext) ([]byte, error) {
	children, err := itemservice.New(gm).GetChildren(ctx.Ctx, childrenArgs.itemId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(children)
}
