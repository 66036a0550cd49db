package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/lab47/cleo"
	"github.com/mitchellh/cli"
	"miren.dev/dispatch/clientconfig"
	"miren.dev/dispatch/version"
)

type CLI struct {
	log *slog.Logger
	out io.Writer

	lc *cli.CLI
}

type Global struct {
	Debug  bool   `short:"D" long:"debug" description:"enable debug logging"`
	Config string `short:"c" long:"config" description:"config file, defaults to $DISPATCH_CONFIG or ~/.config/dispatch/config.yaml"`
}

func NewCLI(log *slog.Logger, out io.Writer, args []string) *CLI {
	c := &CLI{
		log: log,
		out: out,
		lc:  cli.NewCLI("dispatch", version.Version),
	}

	c.lc.Args = args

	c.lc.Commands = map[string]cli.CommandFactory{
		"call": func() (cli.Command, error) {
			return cleo.Infer("call", "call a remote method with retries", c.call), nil
		},
		"serve": func() (cli.Command, error) {
			return cleo.Infer("serve", "serve an echo method", c.serve), nil
		},
		"version": func() (cli.Command, error) {
			return cleo.Infer("version", "print the version", c.version), nil
		},
	}

	return c
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

// Run is the entry point of the dispatch binary.
func Run(args []string) int {
	c := NewCLI(slog.Default(), os.Stdout, args[1:])

	code, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	return code
}

func (c *CLI) logger(g Global) *slog.Logger {
	if !g.Debug {
		return c.log
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (c *CLI) loadConfig(g Global) (*clientconfig.Config, error) {
	if g.Config != "" {
		return clientconfig.LoadConfigFrom(g.Config)
	}

	cfg, err := clientconfig.LoadConfig()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return clientconfig.Default(), nil
		}
		return nil, err
	}

	return cfg, nil
}

func (c *CLI) version(ctx context.Context, opts struct {
	JSON bool `long:"json" description:"print as JSON"`
}) error {
	info := version.GetInfo()

	if opts.JSON {
		s, err := info.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, s)
		return nil
	}

	fmt.Fprintln(c.out, info.String())
	return nil
}
