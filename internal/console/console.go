// Package console is a line-oriented operator interface over a serial port
// or stdin. Each line is one command; each reply is one or more lines.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"bioreactor/internal/command"
)

// Handler is the command surface; command.Dispatcher implements it.
type Handler interface {
	Call(ctx context.Context, req command.Request) command.Response
	Apply(ctx context.Context, attrs map[string]any) error
	Snapshot(ctx context.Context) (command.Telemetry, error)
}

const help = `commands:
  ph <v>               set pH target (0 disables dosing)
  ph-tol <v>           set pH tolerance
  temp <v>             set temperature target in C
  temp-tol <v>         set temperature tolerance
  rpm <v>              set stirrer speed (0 stops)
  pump <acid|base> [ms]
                       dose for ms (default pulse if omitted)
  on | off             release or engage the interlock
  status               print telemetry
  help                 this text`

var errUsage = errors.New("usage")

type Console struct {
	h   Handler
	log *slog.Logger
}

func New(h Handler, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{h: h, log: log}
}

// Serve reads commands from rw until EOF or ctx is done. A blocked read only
// returns when the caller closes the underlying port.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	sc := bufio.NewScanner(rw)
	_, _ = fmt.Fprintln(rw, "bioreactor console, type help")
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(rw, c.Exec(ctx, line)); err != nil {
			return fmt.Errorf("console: write: %w", err)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("console: read: %w", err)
	}
	return nil
}

// Exec runs one command line and returns the reply text.
func (c *Console) Exec(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	c.log.Debug("console command", "line", line)

	var err error
	switch name {
	case "help", "?":
		return help
	case "status":
		return c.status(ctx)
	case "ph":
		err = c.attr(ctx, "target_pH", args)
	case "ph-tol":
		err = c.attr(ctx, "pH_tolerance", args)
	case "temp":
		err = c.attr(ctx, "target_temperature", args)
	case "temp-tol":
		err = c.attr(ctx, "temp_tolerance", args)
	case "rpm":
		err = c.attr(ctx, "target_rpm", args)
	case "on", "off":
		if len(args) != 0 {
			err = errUsage
			break
		}
		err = c.h.Apply(ctx, map[string]any{"system_active": name == "on"})
	case "pump":
		return c.pump(ctx, args)
	default:
		return fmt.Sprintf("error: unknown command %q, type help", name)
	}
	if errors.Is(err, errUsage) {
		return "error: usage: " + usage(name)
	}
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

func (c *Console) attr(ctx context.Context, key string, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return errUsage
	}
	return c.h.Apply(ctx, map[string]any{key: v})
}

func (c *Console) pump(ctx context.Context, args []string) string {
	if len(args) < 1 || len(args) > 2 {
		return "error: usage: " + usage("pump")
	}
	params := map[string]any{"pump": strings.ToLower(args[0])}
	if len(args) == 2 {
		ms, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return "error: usage: " + usage("pump")
		}
		params["duration"] = ms
	}
	resp := c.h.Call(ctx, command.Request{ID: "console", Method: "setPump", Params: params})
	if msg, failed := resp["error"]; failed {
		return fmt.Sprintf("error: %v", msg)
	}
	return "ok"
}

func (c *Console) status(ctx context.Context) string {
	snap, err := c.h.Snapshot(ctx)
	if err != nil {
		return "error: " + err.Error()
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s=%v", k, snap[k])
	}
	return b.String()
}

var usages = map[string]string{
	"ph":       "ph <v>",
	"ph-tol":   "ph-tol <v>",
	"temp":     "temp <v>",
	"temp-tol": "temp-tol <v>",
	"rpm":      "rpm <v>",
	"pump":     "pump <acid|base> [ms]",
	"on":       "on",
	"off":      "off",
}

func usage(name string) string {
	if u, ok := usages[name]; ok {
		return u
	}
	return name
}
