// Package feed implements the device side of a session: one websocket per
// connected wearable carrying JSON frames in both directions.
//
// The device opens the socket and sends a session_start frame. From then on
// it pushes transcription, head position, location, settings and
// notification frames, and answers the server's photo, location, speech and
// audio requests with result frames that echo the request ID. A [Conn] turns
// those request/result pairs into blocking calls and everything else into
// [Handler] callbacks.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/notify"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("feed: connection closed")

const (
	// helloTimeout bounds the wait for the session_start frame.
	helloTimeout = 10 * time.Second

	// outboxSize is the number of frames buffered for the writer.
	outboxSize = 64

	// readLimit caps one inbound frame. Photos are the largest.
	readLimit = 16 << 20
)

// Handler receives the device's unsolicited frames. Calls are made from the
// read loop one at a time.
type Handler interface {
	OnTranscript(text string, isFinal bool)
	OnHeadPosition(position string)
	OnLocation(coords capture.Coords)
	OnSettings(values map[string]any)
	OnNotifications(items []notify.Notification)
}

// Conn is one device connection. All methods are safe for concurrent use.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	outbox    chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan inbound
}

// Accept upgrades an HTTP request to a device connection.
func Accept(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: accept: %w", err)
	}
	ws.SetReadLimit(readLimit)
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ws:      ws,
		log:     log,
		outbox:  make(chan outbound, outboxSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan inbound),
	}, nil
}

// Hello reads the session_start frame. Any other first frame is an error.
func (c *Conn) Hello(ctx context.Context) (Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var in inbound
	if err := wsjson.Read(ctx, c.ws, &in); err != nil {
		return Hello{}, fmt.Errorf("feed: read session_start: %w", err)
	}
	if in.Type != TypeSessionStart {
		return Hello{}, fmt.Errorf("feed: expected %s, got %q", TypeSessionStart, in.Type)
	}
	h := in.hello()
	if h.SessionID == "" || h.UserID == "" {
		return Hello{}, errors.New("feed: session_start without session_id or user_id")
	}
	return h, nil
}

// Serve runs the read and write loops until ctx ends, the device
// disconnects or [Conn.Close] is called. It always returns a non-nil error
// describing why the connection ended.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)

	for {
		var in inbound
		if err := wsjson.Read(ctx, c.ws, &in); err != nil {
			c.Close("read loop ended")
			return fmt.Errorf("feed: read: %w", err)
		}
		c.route(in, h)
	}
}

func (c *Conn) route(in inbound, h Handler) {
	switch in.Type {
	case TypeTranscription:
		h.OnTranscript(in.Text, in.IsFinal)
	case TypeHeadPosition:
		h.OnHeadPosition(in.Position)
	case TypeLocation:
		h.OnLocation(capture.Coords{Lat: in.Lat, Lng: in.Lng})
	case TypeSettings:
		h.OnSettings(in.Values)
	case TypeNotifications:
		h.OnNotifications(in.Items)
	case TypePhoto, TypeLocationResult, TypeSpeakResult, TypeAudioResult:
		c.resolve(in)
	default:
		c.log.Debug("unknown frame ignored", "type", in.Type)
	}
}

func (c *Conn) resolve(in inbound) {
	c.mu.Lock()
	ch, ok := c.pending[in.RequestID]
	delete(c.pending, in.RequestID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("result for unknown request dropped", "type", in.Type, "request_id", in.RequestID)
		return
	}
	ch <- in
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.outbox:
			if err := wsjson.Write(ctx, c.ws, f); err != nil {
				c.log.Warn("write frame failed", "type", f.Type, "err", err)
				c.Close("write failed")
				return
			}
		}
	}
}

// send queues f without blocking. Frames are dropped when the device does
// not keep up or the connection is closed.
func (c *Conn) send(f outbound) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.outbox <- f:
	default:
		c.log.Warn("outbox full, frame dropped", "type", f.Type)
	}
}

// request sends f with a fresh request ID and waits for the matching result.
func (c *Conn) request(ctx context.Context, f outbound) (inbound, error) {
	f.RequestID = uuid.NewString()
	ch := make(chan inbound, 1)
	c.mu.Lock()
	c.pending[f.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
	}()

	c.send(f)
	select {
	case in := <-ch:
		if in.Error != "" {
			return in, fmt.Errorf("feed: %s: %s", f.Type, in.Error)
		}
		return in, nil
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	case <-c.done:
		return inbound{}, ErrClosed
	}
}

// ShowText shows text on the display for d.
func (c *Conn) ShowText(text string, d time.Duration) {
	c.send(outbound{Type: TypeShowText, Text: text, DurationMS: d.Milliseconds()})
}

// Speak has the device read text aloud and waits until it finished.
func (c *Conn) Speak(ctx context.Context, text string) error {
	_, err := c.request(ctx, outbound{Type: TypeSpeak, Text: text})
	return err
}

// PlayAudio has the device play url and waits until playback finished.
func (c *Conn) PlayAudio(ctx context.Context, url string) error {
	_, err := c.request(ctx, outbound{Type: TypePlayAudio, URL: url})
	return err
}

// RequestPhoto asks the camera for a frame. It implements [capture.Camera].
func (c *Conn) RequestPhoto(ctx context.Context) (*capture.Photo, error) {
	in, err := c.request(ctx, outbound{Type: TypeRequestPhoto})
	if err != nil {
		return nil, err
	}
	if len(in.Data) == 0 {
		return nil, errors.New("feed: photo without data")
	}
	return &capture.Photo{RequestID: in.RequestID, MIMEType: in.MIMEType, Data: in.Data}, nil
}

// RequestLocation asks for a position fix with the given accuracy.
func (c *Conn) RequestLocation(ctx context.Context, accuracy string) (capture.Coords, error) {
	in, err := c.request(ctx, outbound{Type: TypeRequestLocation, Accuracy: accuracy})
	if err != nil {
		return capture.Coords{}, err
	}
	return capture.Coords{Lat: in.Lat, Lng: in.Lng}, nil
}

// Subscribe asks the device to push stream.
func (c *Conn) Subscribe(stream string) { c.send(outbound{Type: TypeSubscribe, Stream: stream}) }

// Unsubscribe stops stream.
func (c *Conn) Unsubscribe(stream string) { c.send(outbound{Type: TypeUnsubscribe, Stream: stream}) }

// SubscribeTranscripts subscribes to transcription frames.
func (c *Conn) SubscribeTranscripts() { c.Subscribe(StreamTranscription) }

// UnsubscribeTranscripts unsubscribes from transcription frames.
func (c *Conn) UnsubscribeTranscripts() { c.Unsubscribe(StreamTranscription) }

// Close ends the connection. Pending requests fail with [ErrClosed].
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }
