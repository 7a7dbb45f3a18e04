package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkwon/cxlink/internal/client"
	"github.com/hkwon/cxlink/internal/config"
	"github.com/hkwon/cxlink/internal/device"
	"github.com/hkwon/cxlink/internal/protocol"
	"github.com/hkwon/cxlink/internal/transport"
	"github.com/hkwon/cxlink/internal/version"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("cxlink %s (%s)\n", version.VERSION, version.Commit)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "device":
		runDevice(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cxlink device [-c config.toml] [-p port]")
	fmt.Fprintln(os.Stderr, "       cxlink probe [flags] <handshake|memrd|memwr|iord|iowr|cfgrd|cfgwr>")
	fmt.Fprintln(os.Stderr, "       cxlink version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "probe flags:")
	fmt.Fprintln(os.Stderr, "  -host addr  -p port  -dp downstream-port  -quic")
	fmt.Fprintln(os.Stderr, "  -addr n  -value n  -size n  -bdf n  -c config.toml")
}

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

// runDevice starts the emulated device and blocks until interrupted.
func runDevice(args []string) {
	fs := flag.NewFlagSet("device", flag.ExitOnError)
	cfgPath := fs.String("c", "", "config file")
	port := fs.Int("p", 0, "listen port (overrides config)")
	fs.Parse(args)

	level := zerolog.InfoLevel
	cfg := device.Config{}
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cxlink device: %v\n", err)
			os.Exit(1)
		}
		level, _ = fileCfg.LogLevel()
		cfg.Port = fileCfg.Device.Port
		cfg.DownstreamPorts = fileCfg.Device.DownstreamPorts
	}
	if *port != 0 {
		cfg.Port = *port
	}
	log := newLogger(level)
	cfg.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := device.New(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("device exited")
		os.Exit(1)
	}
}

// runProbe dials a device, binds a downstream port, and performs one
// operation: handshake, memrd, memwr, iord, iowr, cfgrd or cfgwr.
func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	cfgPath := fs.String("c", "", "config file")
	host := fs.String("host", "127.0.0.1", "device host")
	port := fs.Int("p", 0, "device port")
	dsPort := fs.Uint("dp", 0, "downstream port to bind")
	useQUIC := fs.Bool("quic", false, "dial over QUIC instead of TCP")
	addr := fs.Uint64("addr", 0, "target address or config offset")
	val := fs.Uint64("value", 0, "value for write operations")
	size := fs.Int("size", 4, "access size in bytes")
	bdf := fs.Uint("bdf", 0, "destination bus/device/function for config access")
	fs.Parse(args)

	op := "handshake"
	if fs.NArg() > 0 {
		op = fs.Arg(0)
	}

	level := zerolog.InfoLevel
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cxlink probe: %v\n", err)
			os.Exit(1)
		}
		level, _ = fileCfg.LogLevel()
		if len(fileCfg.Window.Targets) > 0 && *port == 0 {
			t := fileCfg.Window.Targets[0]
			*host, *port = t.Host, t.Port
			*dsPort = uint(t.DownstreamPort)
			*useQUIC = t.QUIC
		}
	}
	if *port == 0 {
		fmt.Fprintln(os.Stderr, "cxlink probe: no device port given")
		os.Exit(2)
	}
	log := newLogger(level)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mode := transport.DialTCP
	if *useQUIC {
		mode = transport.DialQUIC
	}
	stream, err := transport.DialStream(ctx, mode, *host, *port)
	if err != nil {
		log.Error().Err(err).Stringer("mode", mode).Msg("dial failed")
		os.Exit(1)
	}

	link := client.NewLink(stream, log)
	defer link.Close()

	if err := link.Handshake(uint32(*dsPort)); err != nil {
		log.Error().Err(err).Msg("handshake failed")
		os.Exit(1)
	}
	log.Debug().Uint("port", *dsPort).Msg("handshake complete")

	if err := probe(link, op, *addr, *val, *size, uint16(*bdf)); err != nil {
		log.Error().Err(err).Str("op", op).Msg("probe failed")
		os.Exit(1)
	}
}

func probe(link *client.Link, op string, addr, val uint64, size int, bdf uint16) error {
	switch op {
	case "handshake":
		fmt.Println("ok")
	case "memrd":
		line, err := link.MemRead(addr)
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", line)
	case "memwr":
		line := make([]byte, protocol.MemAccessUnit)
		for i := range line {
			line[i] = byte(val)
		}
		if err := link.MemWrite(addr, line); err != nil {
			return err
		}
	case "iord":
		v, err := link.IOMemRead(addr, size)
		if err != nil {
			return err
		}
		fmt.Printf("%#x\n", v)
	case "iowr":
		if err := link.SendIOMemWrite(addr, val, size); err != nil {
			return err
		}
	case "cfgrd":
		v, err := link.ConfigRead(bdf, uint16(addr), size, false)
		if err != nil {
			return err
		}
		fmt.Printf("%#x\n", v)
	case "cfgwr":
		return link.ConfigWrite(bdf, uint16(addr), uint32(val), size, false)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	return nil
}
