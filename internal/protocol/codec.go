package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

const Json = "json"

// Codec 批量信封编解码器。帧层负责切分字节流，这里只处理一帧内的
// 有序信封批次；实现必须保持批内顺序。
type Codec interface {
	Name() string
	Encode(batch []*Envelope) ([]byte, error)
	Decode(data []byte) ([]*Envelope, error)
}

// JSONCodec 缺省编解码器，一帧 = 一个 JSON 数组
type JSONCodec struct{}

func (JSONCodec) Name() string { return Json }

func (JSONCodec) Encode(batch []*Envelope) ([]byte, error) {
	return json.Marshal(batch)
}

// Decode rebuilds the batch and validates every element: any record without
// an id is rejected, per the "not an envelope" rule. Malformed error fields
// decode best-effort into WireError and never fail the batch.
func (JSONCodec) Decode(data []byte) ([]*Envelope, error) {
	var batch []*Envelope
	if err := json.Unmarshal(data, &batch); err != nil {
		// 容错：error 字段形状异常时退化解码，保住其余字段
		batch = decodeLenient(data)
		if batch == nil {
			return nil, fmt.Errorf("decode envelope batch: %w", err)
		}
	}
	for _, e := range batch {
		if e == nil || e.ID == "" {
			return nil, fmt.Errorf("decode envelope batch: record without id is not an envelope")
		}
	}
	return batch, nil
}

// decodeLenient 丢弃无法解析的 error 字段重试一次
func decodeLenient(data []byte) []*Envelope {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	batch := make([]*Envelope, 0, len(raw))
	for _, rec := range raw {
		_, hadErr := rec["error"]
		delete(rec, "error")
		buf, err := json.Marshal(rec)
		if err != nil {
			return nil
		}
		var e Envelope
		if err := json.Unmarshal(buf, &e); err != nil {
			return nil
		}
		if hadErr {
			e.Err = &WireError{Code: CodeNone, Message: "malformed error payload"}
		}
		batch = append(batch, &e)
	}
	return batch
}
