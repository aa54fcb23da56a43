package wamp

import "github.com/pkg/errors"

// Error is a routing failure identified by its WAMP error URI.
type Error URI

func (e Error) Error() string { return string(e) }

func (e Error) URI() URI { return URI(e) }

const (
	ErrInvalidArgument        Error = "wamp.error.invalid_argument"
	ErrInvalidURI             Error = "wamp.error.invalid_uri"
	ErrNoSuchRealm            Error = "wamp.error.no_such_realm"
	ErrRealmAlreadyExists     Error = "wamp.error.realm_already_exists"
	ErrNoSuchSession          Error = "wamp.error.no_such_session"
	ErrSessionAlreadyExists   Error = "wamp.error.session_already_exists"
	ErrNoSuchSubscription     Error = "wamp.error.no_such_subscription"
	ErrTopicAlreadySubscribed Error = "wamp.error.topic_already_subscribed"
	ErrNoSuchTopic            Error = "wamp.error.no_such_topic"
	ErrNoSuchProcedure        Error = "wamp.error.no_such_procedure"
	ErrProcedureAlreadyExists Error = "wamp.error.procedure_already_exists"
	ErrNoSuchRegistration     Error = "wamp.error.no_such_registration"
	ErrNoSuchInvocation       Error = "wamp.error.no_such_invocation"
	ErrCanceled               Error = "wamp.error.canceled"
	ErrProtocolViolation      Error = "wamp.error.protocol_violation"
	ErrInternalServerError    Error = "wamp.error.internal_server_error"
	ErrSystemShutdownTimeout  Error = "wamp.error.system_shutdown_timeout"
)

// ErrorURI maps err to the URI sent to peers. Errors that are not routing
// errors are reported as internal server errors.
func ErrorURI(err error) URI {
	var e Error
	if errors.As(err, &e) {
		return e.URI()
	}
	return ErrInternalServerError.URI()
}
