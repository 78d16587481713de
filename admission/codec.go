package admission

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // register the stock codec first so ours replaces it
	"google.golang.org/protobuf/proto"
)

func init() {
	encoding.RegisterCodec(codec{})
}

// message is implemented by the JSON-encoded service messages.
type message interface {
	isAdmissionMsg()
}

func (*CheckRequest) isAdmissionMsg()     {}
func (*CheckResponse) isAdmissionMsg()    {}
func (*PoliciesRequest) isAdmissionMsg()  {}
func (*PoliciesResponse) isAdmissionMsg() {}

// codec is registered as "proto": service messages go out as JSON, protobuf
// messages keep the wire format of the stock codec.
type codec struct{}

func (codec) Name() string { return "proto" }

func (codec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(message); ok {
		return json.Marshal(v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("admission codec: unsupported message type %T", v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(message); ok {
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("admission codec: unsupported message type %T", v)
}
