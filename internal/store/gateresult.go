package store

import (
	"encoding/json"
	"fmt"

	"github.com/basket/storyctl/internal/model"
)

func marshalGateResult(gr *model.GateResult) ([]byte, error) {
	if gr == nil {
		return nil, nil
	}
	b, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("marshal gate result: %w", err)
	}
	return b, nil
}

func unmarshalGateResult(b []byte) (*model.GateResult, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var gr model.GateResult
	if err := json.Unmarshal(b, &gr); err != nil {
		return nil, fmt.Errorf("unmarshal gate result: %w", err)
	}
	return &gr, nil
}
