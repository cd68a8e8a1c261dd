package dispatch

import (
	"encoding/json"
	"fmt"
)

// JSONCodec is the default WireCodec: one JSON document per datagram. The
// production deployments swap in the protobuf codec from the transport
// layer; tests and the bundled tooling run on this one.
type JSONCodec struct{}

func (JSONCodec) DecodeDispatchRequest(data []byte) (*DispatchRequest, error) {
	var req DispatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode dispatch request: %w", err)
	}
	if req.ModelSession.ModelName == "" {
		return nil, fmt.Errorf("dispatch request without model session")
	}
	return &req, nil
}

func (JSONCodec) EncodeDispatchReply(reply *DispatchReply) ([]byte, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch reply: %w", err)
	}
	return data, nil
}
