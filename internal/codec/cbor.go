package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOR() *cborCodec {
	enc, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(err)
	}

	// dicts must come back keyed by string, not map[interface{}]interface{}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return &cborCodec{enc: enc, dec: dec}
}

func (*cborCodec) Name() string { return "wamp.2.cbor" }

func (*cborCodec) Binary() bool { return true }

func (c *cborCodec) Encode(m wamp.Message) ([]byte, error) {
	l, err := toList(m)
	if err != nil {
		return nil, err
	}

	b, err := c.enc.Marshal(l)
	if err != nil {
		return nil, errors.Wrapf(err, "cbor encode %s", m.MessageType())
	}
	return b, nil
}

func (c *cborCodec) Decode(frame []byte) (wamp.Message, error) {
	var l []any
	if err := c.dec.Unmarshal(frame, &l); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return fromList(l)
}
