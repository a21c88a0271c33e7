// Command nvmuxctl is a command-line client for the nvmux wire
// protocol. It attaches to a volume, runs one operation, and prints
// the result.
//
// Usage:
//
//	nvmuxctl [flags] <command> [args]
//
// Commands:
//
//	probe                 check the volume is ready
//	size                  print the app region size
//	init                  request (or rediscover) this app's region
//	read <offset> <len>   read from this app's region
//	write <offset> <hex>  write hex-encoded bytes to this app's region
//	stats                 print driver statistics
//	kernel-read <addr> <len>    read from the kernel span (needs -token)
//	kernel-write <addr> <hex>   write to the kernel span (needs -token)
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nvmux/nvmux/internal/logger"
	proto "github.com/nvmux/nvmux/internal/protocol/wire"
	"github.com/nvmux/nvmux/pkg/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5640", "Server address")
	volume := flag.String("volume", "main", "Volume to attach to")
	app := flag.Uint("app", 1, "Application identity (nonzero)")
	token := flag.String("token", "", "Admin token for kernel commands")
	timeout := flag.Duration("timeout", 10*time.Second, "Operation timeout")
	logLevel := flag.String("log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	logger.SetLevel(*logLevel)

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "nvmuxctl: missing command (probe, size, init, read, write, stats, kernel-read, kernel-write)")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.Dial(ctx, *addr)
	if err != nil {
		fatalf("dial %s: %v", *addr, err)
	}
	defer func() { _ = c.Close() }()

	session, err := c.Attach(ctx, *volume, uint32(*app), *token)
	if err != nil {
		fatalf("attach %s: %v", *volume, err)
	}
	logger.Debug("attached to %s as app %d (session %s)", *volume, *app, session)

	if err := run(ctx, c, flag.Args()); err != nil {
		fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, c *client.Client, args []string) error {
	switch cmd := args[0]; cmd {
	case "probe":
		if err := c.Probe(ctx); err != nil {
			return err
		}
		fmt.Println("ready")
		return nil

	case "size":
		size, err := c.RegionSize(ctx)
		if err != nil {
			return err
		}
		fmt.Println(size)
		return nil

	case "init":
		if err := c.Initialize(ctx); err != nil {
			return err
		}
		if _, err := awaitNote(ctx, c, proto.NoteInitDone); err != nil {
			return err
		}
		fmt.Println("region ready")
		return nil

	case "read":
		offset, length, err := parseRange(args[1:])
		if err != nil {
			return err
		}
		if err := c.Read(ctx, offset, length); err != nil {
			return err
		}
		note, err := awaitNote(ctx, c, proto.NoteReadDone)
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes: %s\n", note.Value, hex.EncodeToString(note.Data))
		return nil

	case "write":
		offset, data, err := parsePayload(args[1:])
		if err != nil {
			return err
		}
		if err := c.Write(ctx, offset, data); err != nil {
			return err
		}
		note, err := awaitNote(ctx, c, proto.NoteWriteDone)
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes written\n", note.Value)
		return nil

	case "stats":
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(stats)
		return nil

	case "kernel-read":
		addr, length, err := parseRange(args[1:])
		if err != nil {
			return err
		}
		if err := c.KernelRead(ctx, addr, length); err != nil {
			return err
		}
		note, err := awaitNote(ctx, c, proto.NoteKernelReadDone)
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes: %s\n", note.Value, hex.EncodeToString(note.Data))
		return nil

	case "kernel-write":
		addr, data, err := parsePayload(args[1:])
		if err != nil {
			return err
		}
		if err := c.KernelWrite(ctx, addr, data); err != nil {
			return err
		}
		note, err := awaitNote(ctx, c, proto.NoteKernelWriteDone)
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes written\n", note.Value)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// awaitNote blocks until the server pushes a completion of the given
// kind (or the context expires). Other kinds arriving in between are
// skipped; one CLI invocation runs one operation, so nothing is lost.
func awaitNote(ctx context.Context, c *client.Client, kind uint32) (client.Notification, error) {
	for {
		select {
		case note, ok := <-c.Notifications():
			if !ok {
				return client.Notification{}, fmt.Errorf("connection closed")
			}
			if note.Kind != kind {
				continue
			}
			if note.Err != nil {
				return client.Notification{}, note.Err
			}
			return note, nil
		case <-ctx.Done():
			return client.Notification{}, ctx.Err()
		}
	}
}

func parseRange(args []string) (uint64, uint64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected <offset> <length>")
	}
	offset, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad offset %q: %w", args[0], err)
	}
	length, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad length %q: %w", args[1], err)
	}
	return offset, length, nil
}

func parsePayload(args []string) (uint64, []byte, error) {
	if len(args) != 2 {
		return 0, nil, fmt.Errorf("expected <offset> <hex-bytes>")
	}
	offset, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("bad offset %q: %w", args[0], err)
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		return 0, nil, fmt.Errorf("bad hex payload: %w", err)
	}
	return offset, data, nil
}

func printStats(stats *proto.StatsReply) {
	fmt.Printf("volume:         %s\n", stats.Volume)
	fmt.Printf("ready:          %v\n", stats.Ready)
	fmt.Printf("apps:           %d\n", stats.Apps)
	fmt.Printf("regions:        %d\n", stats.Regions)
	if stats.FrontierKnown {
		fmt.Printf("frontier:       %d\n", stats.Frontier)
	} else {
		fmt.Printf("frontier:       unknown\n")
	}
	fmt.Printf("ops completed:  %d\n", stats.OpsCompleted)
	fmt.Printf("ops queued:     %d\n", stats.OpsQueued)
	fmt.Printf("ops rejected:   %d\n", stats.OpsRejected)
	fmt.Printf("bytes read:     %d\n", stats.BytesRead)
	fmt.Printf("bytes written:  %d\n", stats.BytesWritten)
	fmt.Printf("allocations:    %d\n", stats.Allocations)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "nvmuxctl: "+format+"\n", args...)
	os.Exit(1)
}
