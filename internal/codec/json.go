package codec

import (
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

type jsonCodec struct {
	api sonic.API
}

func newJSON() *jsonCodec {
	// integers must not be widened to float64, ids use the full 53 bits
	return &jsonCodec{api: sonic.Config{UseInt64: true}.Froze()}
}

func (*jsonCodec) Name() string { return "wamp.2.json" }

func (*jsonCodec) Binary() bool { return false }

func (c *jsonCodec) Encode(m wamp.Message) ([]byte, error) {
	l, err := toList(m)
	if err != nil {
		return nil, err
	}

	b, err := c.api.Marshal(l)
	if err != nil {
		return nil, errors.Wrapf(err, "json encode %s", m.MessageType())
	}
	return b, nil
}

func (c *jsonCodec) Decode(frame []byte) (wamp.Message, error) {
	var l []any
	if err := c.api.Unmarshal(frame, &l); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return fromList(l)
}
