package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
	"github.com/oshokin/abacus-daq/internal/logger"
	"github.com/oshokin/abacus-daq/internal/service/acquisition"
)

// Prompt is shown before each command.
const Prompt = "abacus> "

// Controller is the part of the acquisition controller the console drives.
type Controller interface {
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context) error
	SetSampling(ctx context.Context, ms int) error
	SetCoinWindow(ctx context.Context, ns int) error
	SetTimer(ctx context.Context, kind abacus.TimerKind, channel string, ns int) error
	Save(ctx context.Context) error
	Relocate(ctx context.Context, name string, removeOld bool) (string, error)
	Connect(ctx context.Context, port string) error
	Status(ctx context.Context) acquisition.Status
}

// View is the part of the terminal view the console controls.
type View interface {
	LastPlot() string
	SetLive(live bool)
	SetOutput(out io.Writer)
}

// PortLister returns the ports a counter answers on.
type PortLister func(ctx context.Context) ([]string, error)

// Console reads commands and runs them against a controller.
type Console struct {
	ctrl  Controller
	view  View
	ports PortLister
	out   io.Writer
	rl    *readline.Instance
}

// Option configures a Console.
type Option func(*Console)

// WithView lets the console show the plot and toggle live labels.
func WithView(view View) Option {
	return func(c *Console) {
		c.view = view
	}
}

// WithPortLister enables the ports command.
func WithPortLister(ports PortLister) Option {
	return func(c *Console) {
		c.ports = ports
	}
}

// WithOutput sets where command output goes until Open is called.
func WithOutput(out io.Writer) Option {
	return func(c *Console) {
		c.out = out
	}
}

// New returns a console for ctrl.
func New(ctrl Controller, opts ...Option) *Console {
	c := &Console{
		ctrl: ctrl,
		out:  os.Stdout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Bind sets the controller, for consoles opened before the controller exists.
func (c *Console) Bind(ctrl Controller) {
	c.ctrl = ctrl
}

// Open starts the line editor. Afterwards all output, including the view's and
// the global logger's, goes through the editor so it does not garble the prompt.
// Call it before other goroutines log; the caller restores the logger output
// once they are done.
func (c *Console) Open() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          Prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}

	c.rl = rl
	c.out = rl.Stdout()

	if c.view != nil {
		c.view.SetOutput(c.out)
	}

	logger.SetOutput(c.out)

	return nil
}

// Stdout returns the writer that cooperates with the prompt.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads commands until quit, end of input or ctx is done. Open must be
// called first.
func (c *Console) Run(ctx context.Context) error {
	if c.rl == nil || c.ctrl == nil {
		return errors.New("console is not open")
	}

	defer c.rl.Close()

	stop := context.AfterFunc(ctx, func() { _ = c.rl.Close() })
	defer stop()

	c.printHelp()

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}

			// EOF, or the editor was closed by ctx.
			return nil
		}

		if quit := c.Execute(ctx, line); quit {
			return nil
		}
	}
}

// Execute runs one command line and reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "start":
		err = c.cmdStart(ctx)
	case "stop":
		err = c.cmdStop(ctx)
	case "sampling":
		err = c.cmdSampling(ctx, args)
	case "coin", "window":
		err = c.cmdCoin(ctx, args)
	case "delay":
		err = c.cmdTimer(ctx, abacus.TimerDelay, args)
	case "sleep":
		err = c.cmdTimer(ctx, abacus.TimerSleep, args)
	case "save":
		err = c.cmdSave(ctx)
	case "output":
		err = c.cmdOutput(ctx, args)
	case "connect":
		err = c.cmdConnect(ctx, args)
	case "status":
		c.cmdStatus(ctx)
	case "ports":
		err = c.cmdPorts(ctx)
	case "plot":
		c.cmdPlot()
	case "watch":
		err = c.cmdWatch(args)
	case "quit", "exit", "q":
		c.printf("Exiting...\n")

		return true
	default:
		c.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		c.printf("error: %v\n", err)
	}

	return false
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *Console) printHelp() {
	_, _ = fmt.Fprintln(c.out, `
Abacus Commands:
  Acquisition:
    start                     - Push settings to the counter and start streaming
    stop                      - Stop streaming and save the data file
    sampling <ms>             - Set the sampling interval
    coin <ns>                 - Set the coincidence window
    delay <channel> <ns>      - Set a detector's delay
    sleep <channel> <ns>      - Set a detector's sleep time
    save                      - Flush buffered rows to the data file

  Files:
    output <name> [--keep]    - Move the data file and params ledger (stopped only)

  Device:
    connect [port]            - Attach the counter again after a fault
    ports                     - List ports a counter answers on
    status                    - Show session state

  Display:
    plot                      - Show the live window as sparklines
    watch on|off              - Print labels as they refresh

  General:
    help                      - Show this help
    quit                      - Stop, save and exit`)
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("start"),
		readline.PcItem("stop"),
		readline.PcItem("sampling"),
		readline.PcItem("coin"),
		readline.PcItem("delay", channelItems()...),
		readline.PcItem("sleep", channelItems()...),
		readline.PcItem("save"),
		readline.PcItem("output"),
		readline.PcItem("connect"),
		readline.PcItem("ports"),
		readline.PcItem("status"),
		readline.PcItem("plot"),
		readline.PcItem("watch", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func channelItems() []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, 0, len(abacus.DetectorChannels))
	for _, ch := range abacus.DetectorChannels {
		items = append(items, readline.PcItem(ch))
	}

	return items
}

func intArg(args []string, usage string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}

	v, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("usage: %s: %w", usage, err)
	}

	return v, nil
}
