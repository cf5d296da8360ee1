package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

func init() {
	gob.Register(FillBatchWire{})
}

type FillBatchWire struct {
	Origin string // peer id of the publishing router
	Seq    uint64 // per-origin batch sequence
	Fills  []byte // JSON-encoded []order.Fill
}

func encodeFills(origin string, seq uint64, fills []order.Fill) ([]byte, error) {
	body, err := json.Marshal(fills)
	if err != nil {
		return nil, err
	}
	return gobEncode(FillBatchWire{Origin: origin, Seq: seq, Fills: body})
}

func decodeFills(data []byte) (FillBatchWire, []order.Fill, error) {
	var w FillBatchWire
	if err := gobDecode(data, &w); err != nil {
		return w, nil, err
	}
	var fills []order.Fill
	if err := json.Unmarshal(w.Fills, &fills); err != nil {
		return w, nil, err
	}
	return w, fills, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
