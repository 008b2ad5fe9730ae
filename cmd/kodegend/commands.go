package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/kodegen/kodegend/pkg/client"
	"github.com/kodegen/kodegend/pkg/ipc"
)

// command binds the client subcommands to the shared connection flags.
type command struct {
	flags *GlobalFlags
}

// dial builds the API client from the connection flags and verifies the
// daemon answers before running the actual command.
func (c command) dial(ctx context.Context) (*client.Client, error) {
	cl := client.New(client.Config{
		SocketPath: c.flags.Socket,
		BaseURL:    c.flags.APIUrl,
		BasePath:   c.flags.BasePath,
		Timeout:    c.flags.Timeout,
	})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable - please start it first with 'kodegend serve'")
	}
	return cl, nil
}

// Status prints the daemon status and service states
func (c command) Status(f StatusFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}

	if f.Service != "" {
		st, err := cl.ServiceStatus(ctx, f.Service)
		if err != nil {
			return err
		}
		if c.flags.JSON {
			printJSON(st)
		} else {
			printServices([]ipc.ServiceStatus{st})
		}
		return nil
	}

	resp, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(resp)
		return nil
	}
	fmt.Printf("daemon: pid %d, up %s\n", resp.DaemonPID, resp.DaemonUptime.Std())
	printServices(resp.Services)
	return nil
}

// Start resumes a stopped or failed service
func (c command) Start(f ServiceFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := cl.Start(ctx, f.Name); err != nil {
		return err
	}
	fmt.Printf("started %s\n", f.Name)
	return nil
}

// Stop stops a running service
func (c command) Stop(f ServiceFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx, f.Name); err != nil {
		return err
	}
	fmt.Printf("stopped %s\n", f.Name)
	return nil
}

// Restart restarts a service with a fresh restart budget
func (c command) Restart(f ServiceFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := cl.Restart(ctx, f.Name); err != nil {
		return err
	}
	fmt.Printf("restarted %s\n", f.Name)
	return nil
}

// Stats prints aggregated usage statistics for a connection
func (c command) Stats(f ConnectionFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	stats, err := cl.UsageStats(ctx, f.ConnectionID)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(stats)
		return nil
	}
	printUsageStats(stats)
	return nil
}

// History prints aggregated tool call history for a connection
func (c command) History(f ConnectionFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	hist, err := cl.ToolHistory(ctx, f.ConnectionID)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(hist)
		return nil
	}
	printToolHistory(hist)
	return nil
}

// Connections lists the tracked client connections
func (c command) Connections() error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	conns, err := cl.Connections(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(conns)
		return nil
	}
	printConnections(conns)
	return nil
}

// Events prints recent journal entries, or follows live transitions
func (c command) Events(f EventsFlags) error {
	ctx := context.Background()
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}

	if f.Follow {
		return c.followEvents(cl, f.Service)
	}

	events, err := cl.Events(ctx, f.Service, f.Limit)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(events)
		return nil
	}
	printEvents(events)
	return nil
}

// followEvents tails the live transition stream until interrupted.
func (c command) followEvents(cl *client.Client, service string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := cl.StreamEvents(ctx)
	if err != nil {
		return err
	}
	for ev := range ch {
		if service != "" && ev.Service != service {
			continue
		}
		if c.flags.JSON {
			printJSON(ev)
		} else {
			fmt.Println(formatStreamEvent(ev))
		}
	}
	return nil
}
