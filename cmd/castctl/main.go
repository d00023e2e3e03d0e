// Command castctl is a thin CLI shell over the session façade: connect to
// a Cast device by host, and run one receiver operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/castmaster/gocast/config"
	"github.com/castmaster/gocast/discovery"
	"github.com/castmaster/gocast/receiver"
	"github.com/castmaster/gocast/session"
)

func main() {
	host := flag.String("host", "", "Cast device host or IP")
	device := flag.String("device", "", "named device to resolve via -devices/GOCAST_DEVICES instead of -host")
	devicesFlag := flag.String("devices", "", "comma-separated name=host:port pairs, e.g. living-room=10.0.0.5:8009 (also read from GOCAST_DEVICES)")
	op := flag.String("op", "get-status", "operation: get-status|launch|stop|set-volume|set-muted|watch")
	appID := flag.String("app", "", "app id for launch")
	sessionID := flag.String("session", "", "session id for stop")
	level := flag.Float64("level", 0.5, "volume level [0.0,1.0] for set-volume")
	muted := flag.Bool("muted", false, "muted flag for set-muted")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call timeout")
	flag.Parse()

	cfg := config.FromEnv()

	resolvedHost := *host
	if *device != "" {
		registry := discovery.NewStaticRegistry()
		loadStaticDevices(registry, *devicesFlag)
		d, ok := registry.Discover(*device)
		if !ok {
			fmt.Fprintf(os.Stderr, "castctl: unknown device %q (see -devices or GOCAST_DEVICES)\n", *device)
			os.Exit(2)
		}
		resolvedHost = d.Host
		cfg = config.New(config.WithPort(d.Port), config.WithSenderNameBase(cfg.SenderNameBase),
			config.WithRequestTimeout(cfg.RequestTimeout), config.WithPingInterval(cfg.PingInterval),
			config.WithPongTimeout(cfg.PongTimeout), config.WithMaxFrameSize(cfg.MaxFrameSize))
	}

	if resolvedHost == "" {
		fmt.Fprintln(os.Stderr, "castctl: -host or -device is required")
		os.Exit(2)
	}

	sess := session.New(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	if err := sess.Connect(ctx, resolvedHost); err != nil {
		fmt.Fprintf(os.Stderr, "castctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	recv := sess.Receiver()

	switch *op {
	case "get-status":
		status, err := recv.GetStatus(ctx, *timeout)
		fail(err)
		printStatus(status)
	case "launch":
		status, err := recv.Launch(ctx, *appID, *timeout)
		fail(err)
		printStatus(status)
	case "stop":
		status, err := recv.Stop(ctx, *sessionID, *timeout)
		fail(err)
		printStatus(status)
	case "set-volume":
		status, err := recv.SetVolumeLevel(ctx, *level, *timeout)
		fail(err)
		printStatus(status)
	case "set-muted":
		status, err := recv.SetMuted(ctx, *muted, *timeout)
		fail(err)
		printStatus(status)
	case "watch":
		sub := recv.Subscribe(func(s receiver.Status) {
			printStatus(&s)
		})
		defer sub.Unsubscribe()
		fmt.Fprintln(os.Stderr, "watch: press Ctrl+C to exit")
		select {}
	default:
		fmt.Fprintf(os.Stderr, "castctl: unknown op %q\n", *op)
		os.Exit(2)
	}
}

// loadStaticDevices registers every "name=host:port" pair from raw, falling
// back to GOCAST_DEVICES when raw is empty.
func loadStaticDevices(registry *discovery.StaticRegistry, raw string) {
	if raw == "" {
		raw = os.Getenv("GOCAST_DEVICES")
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, addr, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		host, portStr, ok := strings.Cut(addr, ":")
		port := 8009
		if ok {
			if n, err := strconv.Atoi(portStr); err == nil {
				port = n
			}
		} else {
			host = addr
		}
		registry.Register(name, discovery.Device{Name: name, Host: host, Port: port, FriendlyName: name})
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "castctl: %v\n", err)
		os.Exit(1)
	}
}

func printStatus(status any) {
	fmt.Printf("%+v\n", status)
}
