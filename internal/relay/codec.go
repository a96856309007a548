package relay

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/floodguard/floodguard/internal/event"
)

// Codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec converts events to and from the bytes carried by a Channel.
type Codec interface {
	Name() string
	Marshal(ev event.Event) ([]byte, error)
	Unmarshal(data []byte, ev *event.Event) error
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return jsonCodec{}, nil
	case CodecCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown relay codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Marshal(ev event.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (jsonCodec) Unmarshal(data []byte, ev *event.Event) error {
	return json.Unmarshal(data, ev)
}

// cborCodec uses Core Deterministic Encoding so equal events always
// produce identical bytes.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (cborCodec, error) {
	encOptions := cbor.CoreDetEncOptions()
	// Sequence ordering and freshness need sub-second timestamps.
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor decoder: %w", err)
	}
	return cborCodec{enc: enc, dec: dec}, nil
}

func (cborCodec) Name() string { return CodecCBOR }

func (c cborCodec) Marshal(ev event.Event) ([]byte, error) {
	return c.enc.Marshal(ev)
}

func (c cborCodec) Unmarshal(data []byte, ev *event.Event) error {
	return c.dec.Unmarshal(data, ev)
}
