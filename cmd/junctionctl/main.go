// Command junctionctl drives a running junction server from the shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/junction.control/internal/api"
	"github.com/banshee-data/junction.control/internal/health"
	"github.com/banshee-data/junction.control/internal/traffic"
)

var (
	server  = flag.String("server", "http://localhost:8080", "junction server base URL")
	timeout = flag.Duration("timeout", 5*time.Second, "request timeout")
	grpcAddr = flag.String("grpc", "localhost:9090", "junction gRPC health address")
)

var errUsage = errors.New("usage: junctionctl [flags] state|metrics|spawn DIR|pause|autospawn|weather MODE|reset|episodes [LIMIT]|health [SERVICE]")

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// run executes one subcommand and prints its JSON result to out.
func run(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	arg := func() (string, error) {
		if len(rest) != 1 {
			return "", fmt.Errorf("%s takes one argument: %w", cmd, errUsage)
		}
		return rest[0], nil
	}

	switch cmd {
	case "state":
		v, err := c.State(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, v)
	case "metrics":
		v, err := c.Metrics(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, v)
	case "spawn":
		raw, err := arg()
		if err != nil {
			return err
		}
		dir, err := traffic.ParseDirection(raw)
		if err != nil {
			return err
		}
		v, err := c.Spawn(ctx, dir)
		if err != nil {
			return err
		}
		return printJSON(out, v)
	case "pause":
		paused, err := c.TogglePause(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, api.PauseResponse{Paused: paused})
	case "autospawn":
		on, err := c.ToggleAutoSpawn(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, api.AutoSpawnResponse{AutoSpawn: on})
	case "weather":
		mode, err := arg()
		if err != nil {
			return err
		}
		v, err := c.SetWeather(ctx, mode)
		if err != nil {
			return err
		}
		return printJSON(out, v)
	case "reset":
		if err := c.Reset(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "reset")
		return err
	case "episodes":
		limit := 0
		if len(rest) > 0 {
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return fmt.Errorf("invalid limit %q", rest[0])
			}
			limit = n
		}
		v, err := c.Episodes(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(out, v)
	case "health":
		service := health.AgentService
		if len(rest) > 0 {
			service = rest[0]
		}
		resp, err := health.Check(ctx, *grpcAddr, service)
		if err != nil {
			return err
		}
		b, err := health.Format(resp)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, api.NewClient(*server, nil), flag.Args(), os.Stdout); err != nil {
		log.Fatal(err)
	}
}
