package model

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an operation for transmission, stamping the type
// discriminant from the concrete kind so the wire form can never disagree
// with the Go type.
func Encode(op Operation) ([]byte, error) {
	op.Common().Type = op.Kind()
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("model: encode %s operation: %w", op.Kind(), err)
	}
	return data, nil
}

// Decode deserializes an operation payload, dispatching on the type
// discriminant. Unknown discriminants return ErrUnknownType.
func Decode(data []byte) (Operation, error) {
	var head struct {
		Type OperationType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("model: decode operation header: %w", err)
	}

	var op Operation
	switch head.Type {
	case TypeMessage:
		op = &MessageOperation{}
	case TypeMemory:
		op = &MemoryOperation{}
	case TypeSession:
		op = &SessionOperation{}
	case TypeActivity:
		op = &ActivityOperation{}
	case TypeAction:
		op = &ActionOperation{}
	case TypeSummarization:
		op = &SummarizationOperation{}
	case TypeContextAnalysis:
		op = &ContextAnalysisOperation{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("model: decode %s operation: %w", head.Type, err)
	}
	return op, nil
}
