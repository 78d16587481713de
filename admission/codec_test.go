package admission

import (
	"testing"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCodec_Registered(t *testing.T) {
	if _, ok := encoding.GetCodec("proto").(codec); !ok {
		t.Fatal("admission codec is not the registered proto codec")
	}
}

func TestCodec_JSONForServiceMessages(t *testing.T) {
	var c codec
	data, err := c.Marshal(&CheckRequest{Key: "k", Policy: "auth"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"key":"k","policy":"auth"}` {
		t.Fatalf("unexpected payload %s", data)
	}

	var req CheckRequest
	if err := c.Unmarshal(data, &req); err != nil || req.Key != "k" || req.Policy != "auth" {
		t.Fatalf("unmarshal: %+v, %v", req, err)
	}
	if err := c.Unmarshal(nil, &PoliciesRequest{}); err != nil {
		t.Fatalf("empty body must decode: %v", err)
	}
}

func TestCodec_DelegatesProtobuf(t *testing.T) {
	var c codec
	in := wrapperspb.String("hello")
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := new(wrapperspb.StringValue)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !proto.Equal(in, out) {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestCodec_RejectsOtherTypes(t *testing.T) {
	var c codec
	if _, err := c.Marshal(struct{}{}); err == nil {
		t.Fatal("expected error for plain struct")
	}
	if err := c.Unmarshal([]byte("{}"), &struct{}{}); err == nil {
		t.Fatal("expected error for plain struct")
	}
}
