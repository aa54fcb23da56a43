// Package codec turns raw websocket frames into WAMP messages and back.
//
// Every serializer shares the same positional layout: a message is a list whose
// first element is the message type code, followed by the fields of that type.
// Codecs are chosen per connection through websocket subprotocol negotiation.
package codec

import (
	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

var (
	ErrMalformed   = errors.New("wampx: malformed message")
	ErrUnknownType = errors.New("wampx: unknown message type")
)

type Codec interface {
	// Name is the websocket subprotocol, e.g. "wamp.2.json".
	Name() string
	// Binary reports whether frames are sent as binary rather than text.
	Binary() bool
	Encode(m wamp.Message) ([]byte, error)
	Decode(frame []byte) (wamp.Message, error)
}

var (
	JSON Codec = newJSON()
	CBOR Codec = newCBOR()
)

// Default is used when a client negotiates no subprotocol.
var Default = JSON

var registry = []Codec{JSON, CBOR}

// Lookup returns the codec registered for a websocket subprotocol.
func Lookup(subprotocol string) (Codec, bool) {
	for _, c := range registry {
		if c.Name() == subprotocol {
			return c, true
		}
	}
	return nil, false
}

// Names lists the supported subprotocols in order of preference.
func Names() []string {
	names := make([]string, 0, len(registry))
	for _, c := range registry {
		names = append(names, c.Name())
	}
	return names
}
