package commands

import (
	"encoding/json"
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
	"gridkv/internal/store"
)

func init() {
	Register("TOPOLOGY", []ArgSpec{}, ensureTopology, execTopology)
}

type TopologyArgs struct{}

type topologyInfo struct {
	Node       string              `json:"node"`
	Version    uint64              `json:"version"`
	Stable     uint64              `json:"stable"`
	Partitions int                 `json:"partitions"`
	Owners     map[string][]int    `json:"owners"`
	Addrs      map[string]string   `json:"addrs,omitempty"`
	LocalSize  int                 `json:"localSize"`
	Stats      map[int]store.Stats `json:"stats"`
}

func ensureTopology(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) (*TopologyArgs, error) {
	if len(cmd.Args) != 0 {
		return nil, errors.New("command must have no arguments")
	}
	return &TopologyArgs{}, nil
}

func execTopology(gm *gridmanager.GridManager, _ *TopologyArgs, ctx *CommandContext) ([]byte, error) {
	view := gm.Holder.Current()
	if view == nil {
		return nil, errors.New("no topology installed")
	}

	info := topologyInfo{
		Node:       gm.NodeID(),
		Version:    view.Version(),
		Stable:     gm.Holder.StableVersion(),
		Partitions: view.Partitions(),
		Owners:     view.ByOwner(),
		Addrs:      view.Addrs(),
		LocalSize:  gm.LocalSize(),
		Stats:      gm.Stats(),
	}
	return json.Marshal(info)
}
