package wamp_test

import (
	"fmt"
	"testing"

	"github.com/hyphengolang/prelude/testing/is"
	"github.com/pkg/errors"

	"github.com/rapidmidiex/wampx/internal/wamp"
)

func TestURIValid(t *testing.T) {
	type testcase struct {
		uri   wamp.URI
		valid bool
	}

	tt := []testcase{
		{uri: "com.example.topic", valid: true},
		{uri: "realm1", valid: true},
		{uri: "com.x.y", valid: true},
		{uri: "wamp.error.no_such_realm", valid: true},
		{uri: "", valid: false},
		{uri: "com..example", valid: false},
		{uri: ".com.example", valid: false},
		{uri: "com.example.", valid: false},
		{uri: "com.exa mple", valid: false},
		{uri: "com.#.example", valid: false},
	}

	for _, tc := range tt {
		t.Run(fmt.Sprintf("%q", tc.uri), func(t *testing.T) {
			is := is.New(t)
			is.Equal(tc.uri.Valid(), tc.valid) // uri validity
		})
	}
}

func TestErrorURI(t *testing.T) {
	is := is.New(t)

	t.Run("routing errors keep their uri through wrapping", func(t *testing.T) {
		err := errors.Wrapf(wamp.ErrNoSuchProcedure, "call %q", "com.x.add")
		is.Equal(wamp.ErrorURI(err), wamp.URI("wamp.error.no_such_procedure"))
		is.True(errors.Is(err, wamp.ErrNoSuchProcedure)) // sentinel survives Wrapf
	})

	t.Run("other errors become internal server errors", func(t *testing.T) {
		is.Equal(wamp.ErrorURI(errors.New("boom")), wamp.ErrInternalServerError.URI())
	})
}

func TestCloseCodeAbnormal(t *testing.T) {
	is := is.New(t)

	is.True(!wamp.CodeNormalClosure.Abnormal())   // clean close owes no goodbye
	is.True(!wamp.CodeAbnormalClosure.Abnormal()) // dropped transport cannot carry one
	is.True(wamp.CodePolicyViolation.Abnormal())  // shutdown
	is.True(wamp.CodeInternalError.Abnormal())    // internal error
}

func TestPublishAcknowledge(t *testing.T) {
	is := is.New(t)

	m := &wamp.PublishMsg{Options: wamp.Dict{"acknowledge": true}}
	is.True(m.Acknowledge())

	m = &wamp.PublishMsg{}
	is.True(!m.Acknowledge()) // nil options
}
