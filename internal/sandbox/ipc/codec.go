package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes envelopes inside frames. The worker is started with the
// codec name so both ends agree.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return CodecJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (c cborCodec) Name() string                       { return CodecCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

var (
	defaultJSON Codec = jsonCodec{}
	defaultCBOR Codec
)

func init() {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
	defaultCBOR = cborCodec{enc: enc, dec: dec}
}

// JSON returns the JSON codec. Byte fields travel as base64 strings.
func JSON() Codec { return defaultJSON }

// CBOR returns the CBOR codec. Byte fields travel as CBOR byte strings.
func CBOR() Codec { return defaultCBOR }

// CodecByName resolves a configured codec name; empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return defaultJSON, nil
	case CodecCBOR:
		return defaultCBOR, nil
	default:
		return nil, fmt.Errorf("unknown ipc codec %q", name)
	}
}
