// Package device emulates the remote end of a link: a device that accepts
// connections, answers CXL.mem and CXL.io traffic, and keeps its memory,
// MMIO and config state in process. It exists to exercise host bridges
// without hardware on the other side.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hkwon/cxlink/internal/protocol"
	"github.com/hkwon/cxlink/internal/transport"
)

// Config holds device configuration.
type Config struct {
	// Port is the TCP/QUIC port to listen on; 0 picks one.
	Port int
	// DownstreamPorts lists the port numbers connection requests may bind
	// to. Empty accepts any port.
	DownstreamPorts []uint32
	Log             zerolog.Logger
}

// Device is an emulated link peer. Memory is a sparse cache-line map, so an
// idle device costs nothing regardless of the address range hosts touch.
type Device struct {
	cfg Config
	log zerolog.Logger
	ln  *transport.Listener

	mu     sync.Mutex
	lines  map[uint64][]byte // keyed by cache-line aligned hpa
	mmio   map[uint64]uint64 // keyed by DWORD-aligned address
	config [protocol.ConfigSpaceSize]byte

	// Ready is closed once the listener is bound, with Port set. Callers
	// wait on it before dialing.
	Ready chan struct{}
	Port  int
}

// New creates a device but does not start it. Call Run to begin.
func New(cfg Config) *Device {
	return &Device{
		cfg:   cfg,
		log:   cfg.Log,
		lines: make(map[uint64][]byte),
		mmio:  make(map[uint64]uint64),
		Ready: make(chan struct{}),
	}
}

// Run listens and serves links until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	ln, err := transport.Listen(d.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	d.ln = ln
	defer ln.Close()

	d.Port = ln.Port()
	close(d.Ready)
	d.log.Info().Int("port", d.Port).Msg("device listening")

	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go d.serve(ctx, stream)
	}
}

// serve answers messages on one link until it breaks or ctx is cancelled.
func (d *Device) serve(ctx context.Context, stream transport.Stream) {
	framer := transport.NewFramer(stream)
	// links sit idle between host accesses; only per-message progress is
	// deadline-bound on the host side
	framer.SetTimeout(0)
	defer framer.Close()

	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	for {
		raw, err := framer.ReadMessage()
		if err != nil {
			d.log.Debug().Err(err).Msg("link closed")
			return
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			d.log.Warn().Err(err).Msg("undecodable message, dropping link")
			return
		}
		resp, err := d.handle(msg)
		if err != nil {
			d.log.Warn().Err(err).Msg("handler failed, dropping link")
			return
		}
		if resp == nil {
			continue // posted request
		}
		if err := framer.WriteMessage(resp); err != nil {
			d.log.Debug().Err(err).Msg("response write failed")
			return
		}
	}
}

func (d *Device) handle(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *protocol.Sideband:
		return d.handleSideband(m), nil
	case *protocol.MemRequest:
		return d.handleMem(m)
	case *protocol.IOMemRequest:
		return d.handleIOMem(m)
	case *protocol.ConfigRequest:
		return d.handleConfig(m)
	default:
		return nil, fmt.Errorf("device: unsolicited %T", msg)
	}
}

func (d *Device) handleSideband(m *protocol.Sideband) []byte {
	switch m.Type {
	case protocol.SidebandConnectionRequest:
		if d.portAllowed(m.Port) {
			d.log.Debug().Uint32("port", m.Port).Msg("connection accepted")
			return protocol.EncodeSideband(protocol.SidebandConnectionAccept)
		}
		d.log.Warn().Uint32("port", m.Port).Msg("connection rejected")
		return protocol.EncodeSideband(protocol.SidebandConnectionReject)
	default:
		return nil
	}
}

func (d *Device) portAllowed(port uint32) bool {
	if len(d.cfg.DownstreamPorts) == 0 {
		return true
	}
	for _, p := range d.cfg.DownstreamPorts {
		if p == port {
			return true
		}
	}
	return false
}

func (d *Device) handleMem(m *protocol.MemRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch m.Channel {
	case protocol.M2SRwD:
		line := make([]byte, protocol.MemAccessUnit)
		copy(line, m.Data)
		d.lines[m.Addr] = line
		return protocol.EncodeMemCompletion(), nil
	case protocol.M2SReq:
		line := d.lines[m.Addr]
		if line == nil {
			line = make([]byte, protocol.MemAccessUnit)
		}
		return protocol.EncodeMemData(line)
	default:
		return nil, fmt.Errorf("device: mem channel %d", m.Channel)
	}
}

func (d *Device) handleIOMem(m *protocol.IOMemRequest) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch m.Fmt {
	case protocol.MWr32, protocol.MWr64:
		// posted: no completion
		d.mmio[m.Addr] = m.Data
		return nil, nil
	case protocol.MRd32:
		return protocol.EncodeCompletionData32(m.Tag, uint32(d.mmio[m.Addr])), nil
	case protocol.MRd64:
		return protocol.EncodeCompletionData64(m.Tag, d.mmio[m.Addr]), nil
	default:
		return nil, fmt.Errorf("device: io fmt %#02x", byte(m.Fmt))
	}
}

func (d *Device) handleConfig(m *protocol.ConfigRequest) ([]byte, error) {
	off := int(m.Offset())
	size := m.Size()
	if size == 0 || off+size > protocol.ConfigSpaceSize {
		// nothing to say about that location: completion without data
		return protocol.EncodeCompletion(m.Tag), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.IsWrite() {
		val := m.Data
		for i := 0; i < size; i++ {
			d.config[off+i] = byte(val >> (8 * i))
		}
		return protocol.EncodeCompletion(m.Tag), nil
	}
	var val uint32
	for i := 0; i < size; i++ {
		val |= uint32(d.config[off+i]) << (8 * i)
	}
	return protocol.EncodeCompletionData32(m.Tag, val), nil
}
