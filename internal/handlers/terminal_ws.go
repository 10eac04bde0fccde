package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/gluk-w/shellgate/internal/logutil"
	"github.com/gluk-w/shellgate/internal/terminal"
	"golang.org/x/time/rate"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

const (
	maxInputBytes   = 64 * 1024
	maxSessionIDLen = 128
	outputQueueLen  = 256

	minCols, maxCols = 10, 500
	minRows, maxRows = 5, 200
)

var (
	errSlowClient   = errors.New("client output queue full")
	errClientClosed = errors.New("client closed")
)

type termMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type termResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// clampDimensions bounds a requested size. Non-positive values map to 0,
// which the registry replaces with its defaults.
func clampDimensions(cols, rows int) (uint16, uint16) {
	return uint16(clamp(cols, minCols, maxCols)), uint16(clamp(rows, minRows, maxRows))
}

func clamp(v, lo, hi int) int {
	switch {
	case v <= 0:
		return 0
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// wsClient adapts a WebSocket to terminal.Conn. Output is queued and
// written by a dedicated goroutine so the session never waits on the
// network.
type wsClient struct {
	conn      *websocket.Conn
	out       chan []byte
	closing   chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:    conn,
		out:     make(chan []byte, outputQueueLen),
		closing: make(chan struct{}),
	}
}

func (c *wsClient) Send(data []byte) error {
	select {
	case <-c.closing:
		return errClientClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errSlowClient
	}
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

// writeLoop sends queued output until the client is closed or ctx ends,
// then closes the socket.
func (c *wsClient) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-c.out:
			if err := writeOutput(ctx, c.conn, data); err != nil {
				c.Close()
				c.conn.CloseNow()
				return
			}
		case <-c.closing:
			// Flush what the session already handed us.
			for {
				select {
				case data := <-c.out:
					if writeOutput(ctx, c.conn, data) != nil {
						c.conn.CloseNow()
						return
					}
				default:
					c.conn.Close(websocket.StatusNormalClosure, "session closed")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeOutput(ctx context.Context, conn *websocket.Conn, data []byte) error {
	msg, err := json.Marshal(map[string]string{"type": "output", "data": string(data)})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

// TerminalWS bridges a WebSocket to a terminal session, creating the
// session if session_id is new or empty.
// GET /api/v1/terminal/ws?session_id=&cols=&rows=
//
// Client messages are JSON {type:"input",data:"..."} or
// {type:"resize",data:{cols,rows}}. A message that is not valid JSON is
// written to the shell verbatim. Output is sent as {type:"output",data}.
func (a *API) TerminalWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if len(sessionID) > maxSessionIDLen {
		writeError(w, http.StatusBadRequest, "Session id is too long")
		return
	}
	reqCols, _ := strconv.Atoi(q.Get("cols"))
	reqRows, _ := strconv.Atoi(q.Get("rows"))
	cols, rows := clampDimensions(reqCols, reqRows)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(2 * maxInputBytes)

	ctx := r.Context()

	sess, created, err := a.Terminals.CreateSession(sessionID, terminal.SessionOptions{Cols: cols, Rows: rows})
	if err != nil {
		log.Printf("[terminal] create session for websocket: %v", err)
		conn.Close(4500, "Failed to start terminal session")
		return
	}
	if !created && cols > 0 && rows > 0 {
		if err := a.Terminals.Resize(sess.ID, cols, rows); err != nil {
			log.Printf("[terminal] session %s: resize on attach: %v", sess.ID, err)
		}
	}

	// Attach queues the scrollback replay; the writer starts after the
	// banner so the banner is always the first frame.
	client := newWSClient(conn)
	if err := a.Terminals.Attach(sess.ID, client); err != nil {
		conn.Close(4004, "Terminal session is gone")
		return
	}
	defer a.Terminals.Detach(sess.ID, client)

	banner := fmt.Sprintf("Connected to terminal session %s\r\n", sess.ID)
	if !created {
		banner = fmt.Sprintf("Reattached to terminal session %s\r\n", sess.ID)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(banner)); err != nil {
		return
	}

	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()
	go client.writeLoop(writerCtx)

	limiter := rate.NewLimiter(terminalRateLimit, terminalRateBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		if len(data) > maxInputBytes {
			log.Printf("[terminal] session %s: dropping %d byte message", sess.ID, len(data))
			continue
		}
		if err := a.handleClientMessage(sess.ID, data); errors.Is(err, terminal.ErrSessionNotFound) {
			return
		} else if err != nil {
			log.Printf("[terminal] session %s: %s", sess.ID, logutil.SanitizeForLog(err.Error()))
		}
	}
}

func (a *API) handleClientMessage(sessionID string, data []byte) error {
	var msg termMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		return a.Terminals.Write(sessionID, data)
	}

	switch msg.Type {
	case "input":
		var input string
		if err := json.Unmarshal(msg.Data, &input); err != nil {
			return fmt.Errorf("invalid input message: %w", err)
		}
		return a.Terminals.Write(sessionID, []byte(input))
	case "resize":
		var size termResize
		if err := json.Unmarshal(msg.Data, &size); err != nil {
			return fmt.Errorf("invalid resize message: %w", err)
		}
		cols, rows := clampDimensions(size.Cols, size.Rows)
		if cols == 0 || rows == 0 {
			return nil
		}
		return a.Terminals.Resize(sessionID, cols, rows)
	}
	return nil
}
