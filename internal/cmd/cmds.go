package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/rapidmidiex/wampx/internal/config"
	"github.com/rapidmidiex/wampx/internal/wamp"
)

// Version is stamped at build time.
var Version = "v0.1.0"

var Flags = []cli.Flag{
	altsrc.NewIntFlag(&cli.IntFlag{
		Name:    "port",
		Value:   8080,
		Usage:   "Defines the port which server should listen on",
		Aliases: []string{"p"},
		EnvVars: []string{"PORT", "WAMPX_PORT"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "path",
		Value:   "/ws",
		Usage:   "HTTP path serving WAMP over websocket",
		EnvVars: []string{"WAMPX_PATH"},
	}),
	altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:    "origin",
		Usage:   "Allowed websocket origin host, repeatable. Empty allows any",
		EnvVars: []string{"WAMPX_ORIGINS"},
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:    "auto-create-realms",
		Value:   true,
		Usage:   "Create realms on first HELLO",
		EnvVars: []string{"WAMPX_AUTO_CREATE_REALMS"},
	}),
	altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:    "realm",
		Usage:   "Realm created at startup, repeatable",
		EnvVars: []string{"WAMPX_REALMS"},
	}),
	altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:    "close-timeout",
		Value:   500 * time.Millisecond,
		Usage:   "Time allowed for sessions to close on shutdown",
		EnvVars: []string{"WAMPX_CLOSE_TIMEOUT"},
	}),
	altsrc.NewIntFlag(&cli.IntFlag{
		Name:    "read-limit",
		Value:   1 << 20,
		Usage:   "Largest inbound message in bytes",
		EnvVars: []string{"WAMPX_READ_LIMIT"},
	}),
	altsrc.NewIntFlag(&cli.IntFlag{
		Name:    "queue-size",
		Value:   64,
		Usage:   "Outbound messages buffered per connection",
		EnvVars: []string{"WAMPX_QUEUE_SIZE"},
	}),
	altsrc.NewIntFlag(&cli.IntFlag{
		Name:    "capacity",
		Usage:   "Maximum open connections, 0 for no limit",
		EnvVars: []string{"WAMPX_CAPACITY"},
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: []string{"WAMPX_LOG_LEVEL"},
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:    "log-json",
		EnvVars: []string{"WAMPX_LOG_JSON"},
	}),
	&cli.StringFlag{
		Name:    "load",
		Aliases: []string{"l"},
		Usage:   "Read flag values from a yaml file",
	},
}

var ClientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "url",
		Value:   "ws://localhost:8080/ws",
		EnvVars: []string{"WAMPX_URL"},
	},
	&cli.StringFlag{
		Name:    "realm",
		Aliases: []string{"r"},
		Value:   "realm1",
		EnvVars: []string{"WAMPX_REALM"},
	},
	&cli.StringFlag{
		Name:  "protocol",
		Value: "wamp.2.json",
		Usage: "wamp.2.json or wamp.2.cbor",
	},
	&cli.StringSliceFlag{
		Name:  "kw",
		Usage: "Keyword argument as key=value, repeatable",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 10 * time.Second,
	},
}

var Commands = []*cli.Command{
	{
		Name:        "start",
		Category:    "run",
		Aliases:     []string{"s"},
		Description: "Starts the router in production mode.",
		Action:      run(false), // disable dev mode
		Flags:       Flags,
		Before:      altsrc.InitInputSourceWithContext(Flags, altsrc.NewYamlSourceFromFlagFunc("load")),
	},
	{
		Name:        "dev",
		Category:    "run",
		Aliases:     []string{"d"},
		Description: "Starts the router in development mode",
		Action:      run(true), // enable dev mode
		Flags:       Flags,
		Before:      altsrc.InitInputSourceWithContext(Flags, altsrc.NewYamlSourceFromFlagFunc("load")),
	},
	{
		Name:      "publish",
		Category:  "client",
		Usage:     "Publish an event",
		ArgsUsage: "TOPIC [ARG...]",
		Action:    publish,
		Flags:     ClientFlags,
	},
	{
		Name:      "subscribe",
		Category:  "client",
		Usage:     "Print events published to a topic",
		ArgsUsage: "TOPIC",
		Action:    subscribe,
		Flags:     ClientFlags,
	},
	{
		Name:      "call",
		Category:  "client",
		Usage:     "Call a procedure and print the result",
		ArgsUsage: "PROCEDURE [ARG...]",
		Action:    call,
		Flags:     ClientFlags,
	},
	{
		Name:     "shell",
		Category: "client",
		Usage:    "Interactive session",
		Action:   shell,
		Flags:    ClientFlags,
	},
	{
		Name:   "version",
		Usage:  "Print the version",
		Action: GetVersion,
	},
}

func GetVersion(cCtx *cli.Context) error {
	_, err := fmt.Fprintln(cCtx.App.Writer, "wampx version: "+Version)
	return err
}

func New() *cli.App {
	return &cli.App{
		EnableBashCompletion: true,
		Name:                 "wampx",
		Usage:                "WAMP router with broker and dealer roles",
		Version:              Version,
		Compiled:             time.Now().UTC(),
		Commands:             Commands,
	}
}

func configFromFlags(cCtx *cli.Context, dev bool) (*config.Config, error) {
	c := config.Default()

	c.Dev = dev
	c.Server.Port = cCtx.Int("port")
	c.Server.Path = cCtx.String("path")
	c.Server.Origins = cCtx.StringSlice("origin")
	c.Server.ReadLimit = int64(cCtx.Int("read-limit"))
	c.Server.QueueSize = cCtx.Int("queue-size")
	c.Server.Capacity = cCtx.Int("capacity")
	c.Router.AutoCreateRealms = cCtx.Bool("auto-create-realms")
	c.Router.Realms = cCtx.StringSlice("realm")
	c.Router.CloseTimeout = cCtx.Duration("close-timeout")
	c.Log.Level = cCtx.String("log-level")
	c.Log.JSON = cCtx.Bool("log-json")

	if err := c.Validate(); err != nil {
		return nil, cli.Exit(err, 2)
	}
	return c, nil
}

func realmURIs(realms []string) []wamp.URI {
	uris := make([]wamp.URI, len(realms))
	for i, r := range realms {
		uris[i] = wamp.URI(r)
	}
	return uris
}
