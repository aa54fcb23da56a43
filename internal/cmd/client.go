package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/rapidmidiex/wampx/internal/wamp"
	"github.com/rapidmidiex/wampx/pkg/client"
)

var ErrMissingURI = errors.New("wampx: missing uri argument")

// parseValue reads s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := sonic.UnmarshalString(s, &v); err != nil {
		return s
	}
	return v
}

func parseArgs(args []string) wamp.List {
	l := make(wamp.List, 0, len(args))
	for _, a := range args {
		l = append(l, parseValue(a))
	}
	return l
}

func parseKwargs(pairs []string) (wamp.Dict, error) {
	d := make(wamp.Dict, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("wampx: keyword argument %q is not key=value", p)
		}
		d[k] = parseValue(v)
	}
	return d, nil
}

func parseURI(s string) (wamp.URI, error) {
	if s == "" {
		return "", ErrMissingURI
	}
	uri := wamp.URI(s)
	if !uri.Valid() {
		return "", errors.Wrapf(wamp.ErrInvalidURI, "%q", s)
	}
	return uri, nil
}

type result struct {
	Args   wamp.List `json:"args"`
	Kwargs wamp.Dict `json:"kwargs"`
}

type event struct {
	Topic  wamp.URI  `json:"topic"`
	Args   wamp.List `json:"args"`
	Kwargs wamp.Dict `json:"kwargs"`
}

func printJSON(w io.Writer, v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func dial(cCtx *cli.Context) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration("timeout"))
	defer cancel()

	return client.Dial(ctx, cCtx.String("url"), wamp.URI(cCtx.String("realm")), client.Options{
		Protocol: cCtx.String("protocol"),
		Timeout:  cCtx.Duration("timeout"),
		Logger:   zerolog.Nop(),
	})
}

// request holds what the one shot client commands read from the command line.
type request struct {
	uri    wamp.URI
	args   wamp.List
	kwargs wamp.Dict
}

func readRequest(cCtx *cli.Context) (*request, error) {
	uri, err := parseURI(cCtx.Args().First())
	if err != nil {
		return nil, cli.Exit(err, 2)
	}
	kwargs, err := parseKwargs(cCtx.StringSlice("kw"))
	if err != nil {
		return nil, cli.Exit(err, 2)
	}
	return &request{uri: uri, args: parseArgs(cCtx.Args().Tail()), kwargs: kwargs}, nil
}

func publish(cCtx *cli.Context) error {
	req, err := readRequest(cCtx)
	if err != nil {
		return err
	}

	c, err := dial(cCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration("timeout"))
	defer cancel()

	id, err := c.Publish(ctx, req.uri, req.args, req.kwargs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cCtx.App.Writer, "published %d\n", id)
	return err
}

func call(cCtx *cli.Context) error {
	req, err := readRequest(cCtx)
	if err != nil {
		return err
	}

	c, err := dial(cCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration("timeout"))
	defer cancel()

	res, err := c.Call(ctx, req.uri, req.args, req.kwargs)
	if err != nil {
		return err
	}
	return printJSON(cCtx.App.Writer, result{Args: res.Args, Kwargs: res.Kwargs})
}

func subscribe(cCtx *cli.Context) error {
	topic, err := parseURI(cCtx.Args().First())
	if err != nil {
		return cli.Exit(err, 2)
	}

	sCtx, cancel := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := dial(cCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	w := cCtx.App.Writer
	_, err = c.Subscribe(sCtx, topic, func(args wamp.List, kwargs wamp.Dict) {
		_ = printJSON(w, event{Topic: topic, Args: args, Kwargs: kwargs})
	})
	if err != nil {
		return err
	}

	select {
	case <-sCtx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}
