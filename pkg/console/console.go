// Package console is the interactive control surface of a running rig.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/norasector/tandem/pkg/attr"
	"github.com/norasector/tandem/pkg/device"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Controller is the set of control calls the console issues. It never touches
// device buffers.
type Controller interface {
	Preview() error
	Record() error
	Stop() error
	SetAttr(dev, name, text string) (attr.Value, error)
	GetAttr(dev, name string) (attr.Value, error)
	SetExperiment(base, name string) (string, error)
	Pulse(ctx context.Context, dev string) error
	EnablePreview(dev string, enable bool) error
	Status() []device.Status
}

type Console struct {
	ctrl   Controller
	names  []string
	rl     *readline.Instance
	out    io.Writer
	logger zerolog.Logger

	closeOnce sync.Once
}

type Option func(c *Console)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Console) {
		c.logger = logger
	}
}

// New sets up the prompt. Logging can be pointed at Stdout before the
// controller exists; Run attaches it.
func New(names []string, opts ...Option) (*Console, error) {
	devices := readline.PcItemDynamic(func(string) []string { return names })
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tandem> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("preview"),
			readline.PcItem("record"),
			readline.PcItem("stop"),
			readline.PcItem("status"),
			readline.PcItem("set", devices),
			readline.PcItem("get", devices),
			readline.PcItem("path"),
			readline.PcItem("pulse", devices),
			readline.PcItem("preview-on", devices),
			readline.PcItem("preview-off", devices),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(nil, names, rl.Stdout(), opts...)
	c.rl = rl
	return c, nil
}

func newConsole(ctrl Controller, names []string, out io.Writer, opts ...Option) *Console {
	c := &Console{
		ctrl:   ctrl,
		names:  names,
		out:    out,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stdout coordinates writes with the prompt. Point log output at it.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Close releases the terminal. It unblocks a pending Run.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		if c.rl != nil {
			c.rl.Close()
		}
	})
}

// Run reads commands for ctrl until quit, EOF or ctx is done, then calls
// cancel.
func (c *Console) Run(ctx context.Context, ctrl Controller, cancel context.CancelFunc) {
	c.ctrl = ctrl
	defer c.Close()
	defer cancel()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil || ctx.Err() != nil {
			return
		}
		if !c.Exec(ctx, line) {
			return
		}
	}
}

// Exec runs one command line and reports whether the console should keep
// going.
func (c *Console) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "preview":
		err = c.ctrl.Preview()
	case "record":
		err = c.ctrl.Record()
	case "stop":
		err = c.ctrl.Stop()
	case "status":
		c.printStatus()
	case "set":
		err = c.cmdSet(args)
	case "get":
		err = c.cmdGet(args)
	case "path":
		err = c.cmdPath(args)
	case "pulse":
		if len(args) != 1 {
			err = fmt.Errorf("usage: pulse <device>")
			break
		}
		err = c.ctrl.Pulse(ctx, args[0])
	case "preview-on", "preview-off":
		if len(args) != 1 {
			err = fmt.Errorf("usage: %s <device>", cmd)
			break
		}
		err = c.ctrl.EnablePreview(args[0], cmd == "preview-on")
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		return true
	}

	if err != nil {
		c.logger.Debug().Err(err).Str("cmd", cmd).Msg("command failed")
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return true
}

func (c *Console) cmdSet(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: set <device> <attribute> <value>")
	}
	got, err := c.ctrl.SetAttr(args[0], args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s.%s = %s\n", args[0], args[1], got)
	return nil
}

func (c *Console) cmdGet(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <device> <attribute>")
	}
	got, err := c.ctrl.GetAttr(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s.%s = %s\n", args[0], args[1], got)
	return nil
}

func (c *Console) cmdPath(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: path <base> <name>")
	}
	dir, err := c.ctrl.SetExperiment(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "recording into %s\n", dir)
	return nil
}

func (c *Console) printStatus() {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tKIND\tSTATE\tPRODUCED\tWRITTEN\tDROPPED\tDEPTH\tSKIPPED\tTIMEOUTS\tFAULTS\tOUTPUT")
	statuses := c.ctrl.Status()
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			st.Name, st.Kind, st.State, st.Produced, st.Written, st.Dropped,
			st.Depth, st.Skipped, st.Timeouts, st.Faults, st.OutputPath)
	}
	w.Flush()
	for _, st := range statuses {
		if st.LastError != "" {
			fmt.Fprintf(c.out, "%s: %s\n", st.Name, st.LastError)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintf(c.out, `
Commands:
  preview                     - Start every device without recording
  record                      - Start every device and record to disk
  stop                        - Stop every active device
  status                      - Show device counters
  set <dev> <attr> <value>    - Write a device attribute
  get <dev> <attr>            - Read a device attribute
  path <base> <name>          - Set the experiment directory
  pulse <dev>                 - Send a trigger pulse
  preview-on <dev>            - Resume preview buffering
  preview-off <dev>           - Pause preview buffering
  quit                        - Stop everything and exit

Devices: %s
`, strings.Join(c.names, ", "))
}
