package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
)

func (c *Console) cmdStart(ctx context.Context) error {
	if err := c.ctrl.StartStreaming(ctx); err != nil {
		return err
	}

	c.printf("Streaming started.\n")

	return nil
}

func (c *Console) cmdStop(ctx context.Context) error {
	if err := c.ctrl.StopStreaming(ctx); err != nil {
		return err
	}

	c.printf("Streaming stopped.\n")

	return nil
}

func (c *Console) cmdSampling(ctx context.Context, args []string) error {
	ms, err := intArg(args, "sampling <ms>")
	if err != nil {
		return err
	}

	if err := c.ctrl.SetSampling(ctx, ms); err != nil {
		return err
	}

	c.printf("Sampling time set to %d ms\n", ms)

	return nil
}

func (c *Console) cmdCoin(ctx context.Context, args []string) error {
	ns, err := intArg(args, "coin <ns>")
	if err != nil {
		return err
	}

	if err := c.ctrl.SetCoinWindow(ctx, ns); err != nil {
		return err
	}

	c.printf("Coincidence window set to %d ns\n", ns)

	return nil
}

func (c *Console) cmdTimer(ctx context.Context, kind abacus.TimerKind, args []string) error {
	usage := kind.String() + " <channel> <ns>"
	if len(args) != 2 {
		return fmt.Errorf("usage: %s", usage)
	}

	ns, err := intArg(args[1:], usage)
	if err != nil {
		return err
	}

	channel := strings.ToUpper(args[0])

	if err := c.ctrl.SetTimer(ctx, kind, channel, ns); err != nil {
		return err
	}

	c.printf("%s %s set to %d ns\n", kind.Label(), channel, ns)

	return nil
}

func (c *Console) cmdSave(ctx context.Context) error {
	if err := c.ctrl.Save(ctx); err != nil {
		return err
	}

	c.printf("Saved to %s\n", c.ctrl.Status(ctx).Output)

	return nil
}

func (c *Console) cmdOutput(ctx context.Context, args []string) error {
	var (
		name      string
		removeOld = true
	)

	for _, arg := range args {
		switch {
		case arg == "--keep":
			removeOld = false
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag %q, usage: output <name> [--keep]", arg)
		case name != "":
			return errors.New("usage: output <name> [--keep]")
		default:
			name = arg
		}
	}

	if name == "" {
		return errors.New("usage: output <name> [--keep]")
	}

	path, err := c.ctrl.Relocate(ctx, name, removeOld)
	if err != nil {
		return err
	}

	c.printf("Data file is now %s\n", path)

	return nil
}

func (c *Console) cmdConnect(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: connect [port]")
	}

	port := ""
	if len(args) == 1 {
		port = args[0]
	}

	if err := c.ctrl.Connect(ctx, port); err != nil {
		return err
	}

	c.printf("Connected to %s\n", c.ctrl.Status(ctx).Port)

	return nil
}

func (c *Console) cmdStatus(ctx context.Context) {
	s := c.ctrl.Status(ctx)

	state := "disconnected"

	switch {
	case s.Streaming:
		state = "streaming"
	case s.Faulted:
		state = "faulted"
	case s.Connected:
		state = "connected"
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "State:\t%s\n", state)
	_, _ = fmt.Fprintf(w, "Port:\t%s\n", orDash(s.Port))
	_, _ = fmt.Fprintf(w, "Sampling:\t%d ms\n", s.Config.SamplingMs)
	_, _ = fmt.Fprintf(w, "Coincidence window:\t%d ns\n", s.Config.CoincidenceWindowNs)
	_, _ = fmt.Fprintf(w, "Delays:\t%s\n", formatTimers(s.Config.DelaysNs))
	_, _ = fmt.Fprintf(w, "Sleeps:\t%s\n", formatTimers(s.Config.SleepsNs))
	_, _ = fmt.Fprintf(w, "Refresh:\tpoll %s, plot %s, labels %s, check %s\n",
		s.Intervals.Poll, s.Intervals.PlotRefresh, s.Intervals.LabelRefresh, s.Intervals.HealthCheck)
	_, _ = fmt.Fprintf(w, "Rows:\t%d\n", s.Rows)
	_, _ = fmt.Fprintf(w, "Output:\t%s\n", s.Output)
	_, _ = fmt.Fprintf(w, "Params:\t%s\n", s.Ledger)

	_ = w.Flush()
}

func (c *Console) cmdPorts(ctx context.Context) error {
	if c.ports == nil {
		return errors.New("port discovery is not available")
	}

	ports, err := c.ports(ctx)
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		c.printf("No counters found.\n")

		return nil
	}

	for _, p := range ports {
		c.printf("  %s\n", p)
	}

	return nil
}

func (c *Console) cmdPlot() {
	if c.view == nil {
		c.printf("No view attached.\n")

		return
	}

	plot := c.view.LastPlot()
	if plot == "" {
		c.printf("Not enough rows to plot yet.\n")

		return
	}

	c.printf("%s\n", plot)
}

func (c *Console) cmdWatch(args []string) error {
	if c.view == nil {
		return errors.New("no view attached")
	}

	if len(args) != 1 {
		return errors.New("usage: watch on|off")
	}

	switch strings.ToLower(args[0]) {
	case "on":
		c.view.SetLive(true)
	case "off":
		c.view.SetLive(false)
	default:
		return errors.New("usage: watch on|off")
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

// formatTimers renders detector timers as "A 0, B 5, C 0, D 0 ns".
func formatTimers(timers abacus.DetectorTimers) string {
	parts := make([]string, len(timers))
	for i, ns := range timers {
		parts[i] = fmt.Sprintf("%s %d", abacus.DetectorChannels[i], ns)
	}

	return strings.Join(parts, ", ") + " ns"
}
