// Package serialmux drives the sorting actuator over a serial port. Packets
// are written as raw 3-byte frames; text lines printed by the device are
// fanned out to any number of subscribers.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sortgate/internal/monitoring"
	"github.com/banshee-data/sortgate/internal/protocol"
)

var (
	ErrWriteFailed = errors.New("short write to serial port")
	ErrClosed      = errors.New("serial link closed")
)

// subscriberBuffer is how many device lines a subscriber may fall behind
// before lines are dropped for it.
const subscriberBuffer = 16

//go:embed templates/*
var adminTemplateFS embed.FS

var sendPacketTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-packet.html.tmpl"))

// Actuator is the interface the pipeline and admin surface use to reach the
// sorting hardware.
type Actuator interface {
	// WritePacket writes exactly the packet's three bytes.
	WritePacket(protocol.Packet) error
	// Subscribe creates a channel receiving lines printed by the device. The
	// returned ID is passed to Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// Monitor reads device output until ctx is done or the port fails.
	Monitor(context.Context) error
	Stats() LinkStats
	Close() error
	// AttachAdminRoutes mounts debugging endpoints under /debug/. They are
	// reachable only from localhost or over Tailscale.
	AttachAdminRoutes(*http.ServeMux)
}

// LinkStats counts write outcomes since the link was created.
type LinkStats struct {
	PacketsWritten uint64 `json:"packets_written"`
	WriteErrors    uint64 `json:"write_errors"`
}

// Link is an Actuator over any SerialPorter.
type Link[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	writeMu      sync.Mutex
	closing      atomic.Bool

	written   atomic.Uint64
	writeErrs atomic.Uint64
}

var _ Actuator = (*Link[SerialPorter])(nil)

// NewLink wraps port.
func NewLink[T SerialPorter](port T) *Link[T] {
	return &Link[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (l *Link[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if l.closing.Load() {
		close(ch)
		return id, ch
	}
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (l *Link[T]) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// WritePacket writes pkt to the port, draining it when the port supports it.
func (l *Link[T]) WritePacket(pkt protocol.Packet) error {
	if l.closing.Load() {
		l.writeErrs.Add(1)
		return ErrClosed
	}
	frame := pkt.Bytes()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	n, err := l.port.Write(frame[:])
	if err == nil && n != len(frame) {
		err = ErrWriteFailed
	}
	if err == nil {
		if d, ok := any(l.port).(Drainer); ok {
			err = d.Drain()
		}
	}
	if err != nil {
		l.writeErrs.Add(1)
		return fmt.Errorf("write packet %s: %w", pkt, err)
	}
	l.written.Add(1)
	return nil
}

func (l *Link[T]) Stats() LinkStats {
	return LinkStats{PacketsWritten: l.written.Load(), WriteErrors: l.writeErrs.Load()}
}

// Monitor reads lines printed by the device and forwards them to
// subscribers. Slow subscribers miss lines rather than block the reader.
func (l *Link[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(&idleReader{r: l.port, ctx: ctx})

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs in its own goroutine so the loop below can
	// observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if l.closing.Load() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !l.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if l.closing.Load() {
				return nil
			}
			monitoring.Logf("actuator: %s", line)

			l.subscriberMu.Lock()
			for _, ch := range l.subscribers {
				select {
				case ch <- line:
				default:
				}
			}
			l.subscriberMu.Unlock()
		}
	}
}

// idleReader retries reads that return no data and no error, which is how a
// port with a read timeout reports an idle device. bufio.Scanner would
// otherwise fail with io.ErrNoProgress after a few quiet seconds.
type idleReader struct {
	r   io.Reader
	ctx context.Context
}

func (r *idleReader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if n > 0 || err != nil || len(p) == 0 {
			return n, err
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
	}
}

// Close closes every subscriber channel and then the port.
func (l *Link[T]) Close() error {
	if l.closing.Swap(true) {
		return nil
	}

	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()
	return l.port.Close()
}

func (l *Link[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, l)
}

// attachAdminRoutes mounts the send-packet form and live tail for any
// Actuator.
func attachAdminRoutes(mux *http.ServeMux, a Actuator) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-packet", "send a sorting packet to the actuator", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendPacketTemplate.Execute(buf, map[string]int{"MaxClassID": protocol.MaxClassID}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-packet-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		pkt, err := packetFromForm(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.WritePacket(pkt); err != nil {
			http.Error(w, "Failed to write packet", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote packet %s to serial port", pkt)
	})

	// Server-Sent Events carrying lines printed by the device.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := a.Subscribe()
		defer a.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}

// packetFromForm builds a packet from the class, x and y form fields.
func packetFromForm(r *http.Request) (protocol.Packet, error) {
	var fields [3]int
	for i, name := range []string{"class", "x", "y"} {
		raw := r.FormValue(name)
		if raw == "" {
			return protocol.Packet{}, fmt.Errorf("missing %s", name)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return protocol.Packet{}, fmt.Errorf("invalid %s %q", name, raw)
		}
		fields[i] = v
	}
	return protocol.NewPacket(fields[0], fields[1], fields[2])
}
