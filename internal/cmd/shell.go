package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/rapidmidiex/wampx/internal/wamp"
	"github.com/rapidmidiex/wampx/pkg/client"
)

var templates = &promptui.PromptTemplates{
	Prompt:  "{{ . }} ",
	Valid:   "{{ . | green }} ",
	Invalid: "{{ . | red }} ",
	Success: "{{ . | bold }} ",
}

func validateURI(v string) error {
	_, err := parseURI(v)
	return err
}

func prompt(label string, validate promptui.ValidateFunc) (string, error) {
	p := promptui.Prompt{
		Label:     label,
		Validate:  validate,
		Templates: templates,
	}
	return p.Run()
}

// shell runs an interactive session against one realm until quit or ^C.
func shell(cCtx *cli.Context) error {
	c, err := dial(cCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	w := cCtx.App.Writer
	fmt.Fprintf(w, "joined %s as session %d\n", c.Realm(), c.ID())

	actions := promptui.Select{
		Label: "Action",
		Items: []string{"publish", "subscribe", "call", "quit"},
	}

	for {
		_, action, err := actions.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if action == "quit" {
			return nil
		}

		if err := shellAction(cCtx.Context, w, c, action); err != nil {
			if errors.Is(err, promptui.ErrInterrupt) {
				return nil
			}
			fmt.Fprintf(w, "error: %v\n", err)
		}

		select {
		case <-c.Done():
			return c.Err()
		default:
		}
	}
}

func shellAction(ctx context.Context, w io.Writer, c *client.Client, action string) error {
	uri, err := prompt("URI", validateURI)
	if err != nil {
		return err
	}

	switch action {
	case "subscribe":
		topic := wamp.URI(uri)
		_, err := c.Subscribe(ctx, topic, func(args wamp.List, kwargs wamp.Dict) {
			_ = printJSON(w, event{Topic: topic, Args: args, Kwargs: kwargs})
		})
		return err
	case "publish", "call":
		line, err := prompt("Arguments", nil)
		if err != nil {
			return err
		}
		args := parseArgs(strings.Fields(line))

		if action == "publish" {
			id, err := c.Publish(ctx, wamp.URI(uri), args, nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "published %d\n", id)
			return err
		}

		res, err := c.Call(ctx, wamp.URI(uri), args, nil)
		if err != nil {
			return err
		}
		return printJSON(w, result{Args: res.Args, Kwargs: res.Kwargs})
	}
	return errors.Errorf("wampx: unknown action %q", action)
}
