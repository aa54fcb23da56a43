// Package wamp contains the WAMP v2 message types routed between sessions.
package wamp

import "strconv"

type (
	// ID is a session, subscription, registration, publication or request id.
	// Valid ids lie in [1, 2^53).
	ID uint64

	Dict map[string]any
	List []any

	MessageType int

	Message interface {
		MessageType() MessageType
	}

	HelloMsg struct {
		Realm   URI
		Details Dict
	}

	WelcomeMsg struct {
		Session ID
		Details Dict
	}

	AbortMsg struct {
		Details Dict
		Reason  URI
	}

	GoodbyeMsg struct {
		Details Dict
		Reason  URI
	}

	ErrorMsg struct {
		RequestType MessageType
		Request     ID
		Details     Dict
		Error       URI
		Args        List
		Kwargs      Dict
	}

	PublishMsg struct {
		Request ID
		Options Dict
		Topic   URI
		Args    List
		Kwargs  Dict
	}

	PublishedMsg struct {
		Request     ID
		Publication ID
	}

	SubscribeMsg struct {
		Request ID
		Options Dict
		Topic   URI
	}

	SubscribedMsg struct {
		Request      ID
		Subscription ID
	}

	UnsubscribeMsg struct {
		Request      ID
		Subscription ID
	}

	UnsubscribedMsg struct {
		Request ID
	}

	EventMsg struct {
		Subscription ID
		Publication  ID
		Details      Dict
		Args         List
		Kwargs       Dict
	}

	CallMsg struct {
		Request   ID
		Options   Dict
		Procedure URI
		Args      List
		Kwargs    Dict
	}

	ResultMsg struct {
		Request ID
		Details Dict
		Args    List
		Kwargs  Dict
	}

	RegisterMsg struct {
		Request   ID
		Options   Dict
		Procedure URI
	}

	RegisteredMsg struct {
		Request      ID
		Registration ID
	}

	UnregisterMsg struct {
		Request      ID
		Registration ID
	}

	UnregisteredMsg struct {
		Request ID
	}

	InvocationMsg struct {
		Request      ID
		Registration ID
		Details      Dict
		Args         List
		Kwargs       Dict
	}

	YieldMsg struct {
		Request ID
		Options Dict
		Args    List
		Kwargs  Dict
	}
)

const (
	HELLO        MessageType = 1
	WELCOME      MessageType = 2
	ABORT        MessageType = 3
	GOODBYE      MessageType = 6
	ERROR        MessageType = 8
	PUBLISH      MessageType = 16
	PUBLISHED    MessageType = 17
	SUBSCRIBE    MessageType = 32
	SUBSCRIBED   MessageType = 33
	UNSUBSCRIBE  MessageType = 34
	UNSUBSCRIBED MessageType = 35
	EVENT        MessageType = 36
	CALL         MessageType = 48
	RESULT       MessageType = 50
	REGISTER     MessageType = 64
	REGISTERED   MessageType = 65
	UNREGISTER   MessageType = 66
	UNREGISTERED MessageType = 67
	INVOCATION   MessageType = 68
	YIELD        MessageType = 70
)

func (t MessageType) String() string {
	switch t {
	case HELLO:
		return "HELLO"
	case WELCOME:
		return "WELCOME"
	case ABORT:
		return "ABORT"
	case GOODBYE:
		return "GOODBYE"
	case ERROR:
		return "ERROR"
	case PUBLISH:
		return "PUBLISH"
	case PUBLISHED:
		return "PUBLISHED"
	case SUBSCRIBE:
		return "SUBSCRIBE"
	case SUBSCRIBED:
		return "SUBSCRIBED"
	case UNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case UNSUBSCRIBED:
		return "UNSUBSCRIBED"
	case EVENT:
		return "EVENT"
	case CALL:
		return "CALL"
	case RESULT:
		return "RESULT"
	case REGISTER:
		return "REGISTER"
	case REGISTERED:
		return "REGISTERED"
	case UNREGISTER:
		return "UNREGISTER"
	case UNREGISTERED:
		return "UNREGISTERED"
	case INVOCATION:
		return "INVOCATION"
	case YIELD:
		return "YIELD"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

func (HelloMsg) MessageType() MessageType        { return HELLO }
func (WelcomeMsg) MessageType() MessageType      { return WELCOME }
func (AbortMsg) MessageType() MessageType        { return ABORT }
func (GoodbyeMsg) MessageType() MessageType      { return GOODBYE }
func (ErrorMsg) MessageType() MessageType        { return ERROR }
func (PublishMsg) MessageType() MessageType      { return PUBLISH }
func (PublishedMsg) MessageType() MessageType    { return PUBLISHED }
func (SubscribeMsg) MessageType() MessageType    { return SUBSCRIBE }
func (SubscribedMsg) MessageType() MessageType   { return SUBSCRIBED }
func (UnsubscribeMsg) MessageType() MessageType  { return UNSUBSCRIBE }
func (UnsubscribedMsg) MessageType() MessageType { return UNSUBSCRIBED }
func (EventMsg) MessageType() MessageType        { return EVENT }
func (CallMsg) MessageType() MessageType         { return CALL }
func (ResultMsg) MessageType() MessageType       { return RESULT }
func (RegisterMsg) MessageType() MessageType     { return REGISTER }
func (RegisteredMsg) MessageType() MessageType   { return REGISTERED }
func (UnregisterMsg) MessageType() MessageType   { return UNREGISTER }
func (UnregisteredMsg) MessageType() MessageType { return UNREGISTERED }
func (InvocationMsg) MessageType() MessageType   { return INVOCATION }
func (YieldMsg) MessageType() MessageType        { return YIELD }

// Acknowledge reports whether the publisher asked for a PUBLISHED reply.
func (m *PublishMsg) Acknowledge() bool {
	ack, _ := m.Options["acknowledge"].(bool)
	return ack
}
