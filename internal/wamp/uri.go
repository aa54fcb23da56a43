package wamp

import "regexp"

// URI names realms, topics, procedures and errors.
type URI string

// loose URI rules: non-empty components separated by dots, no whitespace or '#'
var uriRegex = regexp.MustCompile(`^([^\s.#]+\.)*[^\s.#]+$`)

func (u URI) Valid() bool { return uriRegex.MatchString(string(u)) }

func (u URI) String() string { return string(u) }

const (
	CloseNormal         URI = "wamp.close.normal"
	CloseGoodbyeAndOut  URI = "wamp.close.goodbye_and_out"
	CloseSystemShutdown URI = "wamp.close.system_shutdown"
)

// CloseCode is a websocket close status carried alongside a close reason.
type CloseCode int

const (
	CodeNormalClosure   CloseCode = 1000
	CodeGoingAway       CloseCode = 1001
	CodeAbnormalClosure CloseCode = 1006
	CodePolicyViolation CloseCode = 1008
	CodeMessageTooBig   CloseCode = 1009
	CodeInternalError   CloseCode = 1011
)

// Abnormal reports whether the peer is still owed a GOODBYE before the
// transport goes away.
func (c CloseCode) Abnormal() bool { return c > CodeAbnormalClosure }
