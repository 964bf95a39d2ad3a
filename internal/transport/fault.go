package transport

import (
	"errors"

	"gridkv/internal/common"
	"gridkv/internal/future"
)

// Fault is an error flattened for transfer between nodes. Inside one process
// the original error rides along and is returned as is.
type Fault struct {
	Code            common.ErrorCode `json:"code"`
	Message         string           `json:"message"`
	TopologyVersion uint64           `json:"topologyVersion,omitempty"`

	cause error
}

// FaultOf flattens err, nil for a nil error.
func FaultOf(err error) *Fault {
	if err == nil {
		return nil
	}
	f := &Fault{Code: common.CodeOf(err), Message: err.Error(), cause: err}
	if ge, ok := common.AsError(err); ok {
		f.TopologyVersion = ge.TopologyVersion
	}
	return f
}

// Err rebuilds the error. Topology faults that crossed the wire get bound to
// ready, the caller's own stabilization future.
func (f *Fault) Err(ready future.Barrier) error {
	if f == nil {
		return nil
	}
	if f.cause != nil {
		return f.cause
	}
	msg := errors.New(f.Message)
	switch f.Code {
	case common.CodeRollbackConflict:
		return &common.Error{Code: common.CodeRollbackConflict, Err: msg}
	case common.CodeTopologyMismatch:
		return common.TopologyMismatch(f.TopologyVersion, ready, "%s", f.Message)
	case common.CodeProcessorError:
		return common.ProcessorFailure(msg)
	case common.CodeClientDisconnected:
		return common.ClientDisconnected(ready, msg)
	default:
		return common.Unclassified(msg)
	}
}
