package recv

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/sakthipriyas/spead2/errors"
)

// WebsocketReaderConfig configures a websocket reader
type WebsocketReaderConfig struct {
	// URL of the websocket endpoint (ws:// or wss://)
	URL string

	Logger *slog.Logger
}

// WebsocketReader receives packets over a websocket connection: each
// binary message is one SPEAD packet. Useful where UDP cannot reach,
// e.g. telemetry relayed through a web frontend.
type WebsocketReader struct {
	owner *Stream
	url   string

	// conn is set by the dial goroutine and closed by StateChange,
	// both under the stream mutex
	conn *websocket.Conn

	// backlog and state are guarded by the stream mutex
	backlog [][]byte
	state   readerState

	wake      chan struct{}
	stoppedCh chan struct{}

	logger *slog.Logger
}

// AddWebsocketReader attaches a websocket reader to the stream
func (s *Stream) AddWebsocketReader(cfg WebsocketReaderConfig) error {
	return s.AddReader(func(owner *Stream) (Reader, error) {
		return newWebsocketReader(owner, cfg)
	})
}

func newWebsocketReader(owner *Stream, cfg WebsocketReaderConfig) (*WebsocketReader, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "websocket-reader", "New", "URL parsing")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported scheme %q", u.Scheme),
			"websocket-reader", "New", "URL validation")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "websocket-reader", "url", cfg.URL)
	}
	return &WebsocketReader{
		owner:     owner,
		url:       cfg.URL,
		state:     readerPaused,
		wake:      make(chan struct{}, 1),
		stoppedCh: make(chan struct{}),
		logger:    logger,
	}, nil
}

// Start dials asynchronously: the dial must not run under the stream
// mutex, so the stream awaits the returned future after releasing it
func (w *WebsocketReader) Start() <-chan error {
	fut := make(chan error, 1)
	go func() {
		conn, resp, err := websocket.DefaultDialer.Dial(w.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		w.owner.mu.Lock()
		if err != nil {
			w.finalizeLocked()
			w.owner.mu.Unlock()
			fut <- errors.WrapTransient(err, "websocket-reader", "Start", "dial")
			return
		}
		if w.owner.isStopped() {
			w.owner.mu.Unlock()
			_ = conn.Close()
			w.owner.mu.Lock()
			w.finalizeLocked()
			w.owner.mu.Unlock()
			fut <- nil
			return
		}
		w.conn = conn
		w.state = readerRunning
		w.owner.mu.Unlock()

		fut <- nil
		w.run(conn)
	}()
	return fut
}

func (w *WebsocketReader) run(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			w.owner.mu.Lock()
			w.finalizeLocked()
			w.owner.mu.Unlock()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		w.owner.mu.Lock()
		st := w.processPackets([][]byte{data})
		w.owner.mu.Unlock()

		switch st {
		case readerStopped:
			return
		case readerPaused:
			if !w.awaitResume() {
				return
			}
		}
	}
}

// processPackets handles messages in order with the stream mutex held,
// stashing the remainder on pause. Websocket messages are already owned
// copies, so the backlog can alias them.
func (w *WebsocketReader) processPackets(pkts [][]byte) readerState {
	for i, data := range pkts {
		if w.owner.isStopped() {
			w.logger.Info("discarding packet received after stream stopped")
			w.finalizeLocked()
			return readerStopped
		}
		if w.owner.isPaused() {
			w.backlog = append(w.backlog, pkts[i:]...)
			w.state = readerPaused
			return readerPaused
		}
		w.processOne(data)
	}
	w.state = readerRunning
	return readerRunning
}

func (w *WebsocketReader) processOne(data []byte) {
	p, size, err := DecodePacket(data, w.owner.bugCompat)
	if err != nil {
		w.logger.Info("discarding undecodable packet", "error", err)
		return
	}
	if size != len(data) {
		w.logger.Info("discarding packet due to size mismatch",
			"decoded", size, "received", len(data))
		return
	}
	w.owner.addPacket(p)
}

func (w *WebsocketReader) awaitResume() bool {
	for {
		<-w.wake

		w.owner.mu.Lock()
		if w.owner.isStopped() {
			w.finalizeLocked()
			w.owner.mu.Unlock()
			return false
		}
		if w.owner.isPaused() {
			w.owner.mu.Unlock()
			continue
		}
		backlog := w.backlog
		w.backlog = nil
		st := w.processPackets(backlog)
		w.owner.mu.Unlock()

		switch st {
		case readerStopped:
			return false
		case readerPaused:
			continue
		default:
			return true
		}
	}
}

// finalizeLocked marks the reader stopped and fulfils the join promise.
// Stream mutex held.
func (w *WebsocketReader) finalizeLocked() {
	if w.state != readerStopped {
		w.state = readerStopped
		close(w.stoppedCh)
	}
}

// StateChange is called with the stream mutex held
func (w *WebsocketReader) StateChange() {
	if w.owner.isStopped() {
		if w.conn != nil {
			// Closing the connection cancels a blocked read
			_ = w.conn.Close()
		}
		w.signalWake()
		return
	}
	if !w.owner.isPaused() {
		w.signalWake()
	}
}

// Join blocks until the read loop has fully wound down
func (w *WebsocketReader) Join() {
	<-w.stoppedCh
}

func (w *WebsocketReader) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
