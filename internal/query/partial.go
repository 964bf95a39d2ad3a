package query

import (
	"encoding/json"
	"fmt"

	"gridkv/internal/common"
	"gridkv/internal/transport"
)

// Scan walks the entries a node owns until fn returns false.
type Scan func(fn func(common.Entry) bool)

// ComputePartial runs the node side of a reduce query: it filters the scanned
// entries with the clause and folds the matches with the named reducer.
func ComputePartial(req transport.ReduceRequest, scan Scan) (json.RawMessage, error) {
	args, err := splitArgs(req.Args)
	if err != nil {
		return nil, common.Unclassified(err)
	}
	match, err := compileClause(req.Clause, args)
	if err != nil {
		return nil, common.Unclassified(err)
	}
	factory, ok := lookupReducer(req.Reducer)
	if !ok {
		return nil, common.Unclassified(fmt.Errorf("reducer %q is not registered", req.Reducer))
	}
	r, err := factory(args)
	if err != nil {
		return nil, common.Unclassified(err)
	}

	var scanErr error
	scan(func(e common.Entry) bool {
		ok, err := match(e)
		if err != nil {
			scanErr = err
			return false
		}
		if !ok {
			return true
		}
		more, err := r.Collect(e)
		if err != nil {
			scanErr = err
			return false
		}
		return more
	})
	if scanErr != nil {
		return nil, common.Unclassified(scanErr)
	}

	res, err := r.Result()
	if err != nil {
		return nil, common.Unclassified(err)
	}
	partial, err := json.Marshal(res)
	if err != nil {
		return nil, common.Unclassified(fmt.Errorf("encode partial of %q: %w", req.Reducer, err))
	}
	return partial, nil
}

func splitArgs(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("query arguments must be a JSON array: %w", err)
	}
	return args, nil
}
