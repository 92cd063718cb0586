package protocol

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := JSONCodec{}
	batch := []*Envelope{
		NewRequest("add", 2, 3),
		NewPublish("topic", "hello"),
		NewNotification("notice", "x"),
	}
	batch[0].From, batch[0].Target = "b1", "master"

	data, err := c.Encode(batch)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("batch size = %d", len(out))
	}
	// 批内顺序必须保持
	for i := range batch {
		if out[i].ID != batch[i].ID || out[i].Kind != batch[i].Kind {
			t.Fatalf("order or identity lost at %d: %+v", i, out[i])
		}
	}
	if out[0].From != "b1" || out[0].Target != "master" {
		t.Fatalf("from/target lost: %+v", out[0])
	}
}

func TestJSONCodecRejectsMissingID(t *testing.T) {
	c := JSONCodec{}
	_, err := c.Decode([]byte(`[{"kind":"request","action":"x"}]`))
	if err == nil {
		t.Fatalf("record without id must be rejected")
	}
}

func TestJSONCodecCallbackError(t *testing.T) {
	c := JSONCodec{}
	req := NewRequest("f")
	cb := NewCallback(req, nil, &WireError{
		Code:    CodeActionNotExist,
		Message: "missing",
		Cause:   &WireError{Code: CodeNone, Message: "inner"},
	})
	data, err := c.Encode([]*Envelope{cb})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out[0].Err == nil || out[0].Err.Code != CodeActionNotExist || out[0].Err.Cause == nil {
		t.Fatalf("wire error not reconstructed: %+v", out[0].Err)
	}
}

func TestJSONCodecMalformedErrorField(t *testing.T) {
	// error 字段形状异常时解码不失败，错误退化为占位 WireError
	c := JSONCodec{}
	data := []byte(`[{"id":"abc","kind":"callback","source":"custom","action":"f","error":"boom"}]`)
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("malformed error payload must not fail the batch: %v", err)
	}
	if out[0].ID != "abc" || out[0].Err == nil {
		t.Fatalf("lenient decode lost fields: %+v", out[0])
	}
}
