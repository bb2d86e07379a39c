// Package motorlink talks to the drive base's motor controller over a serial
// line. Velocity commands go out as "V <linear> <angular>" lines; lines coming
// back are fanned out to subscribers, including the operator pendant which
// sends intents.
package motorlink

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
	"strings"
	"sync"

	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/motion"
	"tailscale.com/tsweb"
)

var logf = monitoring.Tagged("MotorLink")

var (
	ErrWriteFailed = errors.New("failed to write to motor link")
	ErrClosed      = errors.New("motor link closed")
)

//go:embed templates/*
var adminTemplateFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/console.html.tmpl"))

// subscriberBuffer is how many unread lines a subscriber may lag behind
// before lines are dropped for it.
const subscriberBuffer = 16

// MotorLink is implemented by Link and Disabled.
type MotorLink interface {
	motion.Sink
	// SendLine writes one line to the controller.
	SendLine(line string) error
	// Subscribe returns a channel of lines read from the controller. The ID
	// is used to Unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(id string)
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(ctx context.Context) error
	Close() error
	// AttachAdminRoutes mounts debug endpoints under /debug/.
	AttachAdminRoutes(mux *http.ServeMux)
}

// Link multiplexes a single serial port between one writer path and any
// number of line subscribers.
type Link[T Porter] struct {
	port T
	name string

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	writeMu sync.Mutex

	closingMu sync.Mutex
	closing   bool
}

// New wraps an open port.
func New[T Porter](port T, name string) *Link[T] {
	return &Link[T]{
		port:        port,
		name:        name,
		subscribers: make(map[string]chan string),
	}
}

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
	l.subscribers[id] = ch
	return id, ch
}

func (l *Link[T]) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

func (l *Link[T]) isClosing() bool {
	l.closingMu.Lock()
	defer l.closingMu.Unlock()
	return l.closing
}

func (l *Link[T]) SendLine(line string) error {
	if l.isClosing() {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n, err := l.port.Write([]byte(line))
	if err != nil {
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// PublishVelocity sends a velocity command line.
func (l *Link[T]) PublishVelocity(v motion.Velocity) error {
	return l.SendLine(FormatVelocity(v))
}

// FormatVelocity renders the wire form of a velocity command.
func FormatVelocity(v motion.Velocity) string {
	return fmt.Sprintf("V %.3f %.3f", v.Linear, v.Angular)
}

func (l *Link[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(l.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking Scan runs on its own goroutine so ctx cancellation is
	// observed promptly
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
			if l.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !l.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if l.isClosing() {
				return nil
			}

			l.subscriberMu.Lock()
			for _, ch := range l.subscribers {
				select {
				case ch <- line:
				default:
					// slow subscriber; drop rather than stall the reader
				}
			}
			l.subscriberMu.Unlock()
		}
	}
}

func (l *Link[T]) Close() error {
	l.closingMu.Lock()
	if l.closing {
		l.closingMu.Unlock()
		return nil
	}
	l.closing = true
	l.closingMu.Unlock()

	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()
	return l.port.Close()
}

func (l *Link[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("motor", "motor controller console", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := consoleTemplate.Execute(buf, struct{ Port string }{l.name}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("motor-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		line := strings.TrimSpace(r.FormValue("line"))
		if line == "" {
			http.Error(w, "Missing line", http.StatusBadRequest)
			return
		}
		if err := l.SendLine(line); err != nil {
			http.Error(w, "Failed to write line", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote %q to motor link", line)
	})

	debug.HandleSilentFunc("motor-tail", func(w http.ResponseWriter, r *http.Request) {
		ServeTail(w, r, l)
	})
}

// Subscriber is the part of a link that ServeTail needs.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(id string)
}

// ServeTail streams subscribed lines as server-sent events until the client
// goes away or the link closes.
func ServeTail(w http.ResponseWriter, r *http.Request, s Subscriber) {
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

	id, c := s.Subscribe()
	defer s.Unsubscribe(id)

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
}
