// Package wsrelay is the concrete relay.Client: a single outbound websocket
// connection to one nostr relay. Frames are read and written as raw JSON
// arrays (["EVENT", ...], ["REQ", ...], and so on) rather than through a
// typed envelope-per-message-kind hierarchy, since this client only ever
// needs to speak a small, fixed subset of the relay wire protocol.
package wsrelay

import (
	"bytes"
	"compress/flate"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/filters"
	"zapai.dev/pkg/interfaces/relay"
	rcontext "zapai.dev/pkg/utils/context"
)

var _ relay.Client = (*Client)(nil)

// Client is a single outbound connection to one relay.
type Client struct {
	url string

	mu        sync.Mutex
	conn      *connection
	connected bool

	okMu   sync.Mutex
	okWait map[string]chan okResult

	subMu sync.Mutex
	subs  map[string]chan relay.Frame
}

type okResult struct {
	ok     bool
	reason string
}

// New returns an unconnected client for url; call Open before use.
func New(url string) *Client {
	return &Client{
		url:    url,
		okWait: make(map[string]chan okResult),
		subs:   make(map[string]chan relay.Frame),
	}
}

// URL implements relay.Client.
func (c *Client) URL() string { return c.url }

// Open implements relay.Client.
func (c *Client) Open(ctx rcontext.T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	dialCtx := ctx
	if _, ok := dialCtx.Deadline(); !ok {
		var cancel rcontext.F
		dialCtx, cancel = rcontext.Timeout(ctx, 10*time.Second)
		defer cancel()
	}
	conn, err := dial(dialCtx, c.url)
	if chk.E(err) {
		return fmt.Errorf("wsrelay: dial %s: %w", c.url, err)
	}
	c.conn = conn
	c.connected = true
	go c.readLoop()
	return nil
}

// Close implements relay.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	err := c.conn.Close()
	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	return err
}

// Subscribe implements relay.Client.
func (c *Client) Subscribe(ctx rcontext.T, subID string, f *filters.T) (<-chan relay.Frame, error) {
	ch := make(chan relay.Frame, 64)
	c.subMu.Lock()
	c.subs[subID] = ch
	c.subMu.Unlock()

	msg, err := encodeReq(subID, f)
	if err != nil {
		return nil, err
	}
	if err = c.write(msg); chk.E(err) {
		c.subMu.Lock()
		delete(c.subs, subID)
		c.subMu.Unlock()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = c.write(encodeClose(subID))
		c.subMu.Lock()
		if ch, ok := c.subs[subID]; ok {
			close(ch)
			delete(c.subs, subID)
		}
		c.subMu.Unlock()
	}()

	return ch, nil
}

// Publish implements relay.Client.
func (c *Client) Publish(ctx rcontext.T, ev *event.E) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%x", ev.Id)
	resCh := make(chan okResult, 1)
	c.okMu.Lock()
	c.okWait[id] = resCh
	c.okMu.Unlock()
	defer func() {
		c.okMu.Lock()
		delete(c.okWait, id)
		c.okMu.Unlock()
	}()

	env, err := json.Marshal([]any{"EVENT", json.RawMessage(b)})
	if err != nil {
		return err
	}
	if err = c.write(env); chk.E(err) {
		return err
	}

	select {
	case res := <-resCh:
		if !res.ok {
			return fmt.Errorf("relay rejected event: %s", res.reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(b []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsrelay: %s not connected", c.url)
	}
	log.D.F("{%s} -> %s", c.url, b)
	return conn.writeText(b)
}

func (c *Client) readLoop() {
	for {
		buf := new(bytes.Buffer)
		if err := c.conn.readMessage(buf); err != nil {
			log.W.F("{%s} read error, closing: %v", c.url, err)
			_ = c.Close()
			return
		}
		c.handleFrame(buf.Bytes())
	}
}

func (c *Client) handleFrame(raw []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); chk.E(err) || len(arr) == 0 {
		return
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); chk.E(err) {
		return
	}
	switch label {
	case "EVENT":
		if len(arr) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); chk.E(err) {
			return
		}
		ev := &event.E{}
		if err := json.Unmarshal(arr[2], ev); chk.E(err) {
			return
		}
		c.dispatch(subID, relay.Frame{Kind: relay.FrameEvent, Event: ev})
	case "EOSE":
		if len(arr) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); chk.E(err) {
			return
		}
		c.dispatch(subID, relay.Frame{Kind: relay.FrameEOSE})
	case "CLOSED":
		if len(arr) < 3 {
			return
		}
		var subID, reason string
		if err := json.Unmarshal(arr[1], &subID); chk.E(err) {
			return
		}
		_ = json.Unmarshal(arr[2], &reason)
		c.dispatch(subID, relay.Frame{Kind: relay.FrameClosed, Reason: reason})
	case "OK":
		if len(arr) < 3 {
			return
		}
		var id string
		var ok bool
		var reason string
		if err := json.Unmarshal(arr[1], &id); chk.E(err) {
			return
		}
		_ = json.Unmarshal(arr[2], &ok)
		if len(arr) > 3 {
			_ = json.Unmarshal(arr[3], &reason)
		}
		c.okMu.Lock()
		ch, found := c.okWait[id]
		c.okMu.Unlock()
		if found {
			ch <- okResult{ok: ok, reason: reason}
		}
	case "NOTICE":
		var msg string
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &msg)
		}
		log.W.F("{%s} NOTICE: %s", c.url, msg)
	}
}

func (c *Client) dispatch(subID string, f relay.Frame) {
	c.subMu.Lock()
	ch, ok := c.subs[subID]
	c.subMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
		log.W.F("{%s} dropping frame for slow subscriber %s", c.url, subID)
	}
}

func encodeReq(subID string, f *filters.T) ([]byte, error) {
	parts := []any{"REQ", subID}
	for _, flt := range f.F {
		parts = append(parts, flt)
	}
	return json.Marshal(parts)
}

func encodeClose(subID string) []byte {
	b, _ := json.Marshal([]any{"CLOSE", subID})
	return b
}

// connection wraps a gobwas/ws client socket with its frame reader/writer
// and optional permessage-deflate state.
type connection struct {
	mu                sync.Mutex
	conn              net.Conn
	enableCompression bool
	controlHandler    wsutil.FrameHandlerFunc
	flateReader       *wsflate.Reader
	reader            *wsutil.Reader
	flateWriter       *wsflate.Writer
	writer            *wsutil.Writer
	msgStateR         *wsflate.MessageState
	msgStateW         *wsflate.MessageState
}

func dial(ctx rcontext.T, url string) (*connection, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{}),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
		TLSConfig: &tls.Config{},
	}
	conn, _, hs, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	enableCompression := false
	state := ws.StateClientSide
	for _, ext := range hs.Extensions {
		if string(ext.Name) == wsflate.ExtensionName {
			enableCompression = true
			state |= ws.StateExtended
			break
		}
	}
	var flateReader *wsflate.Reader
	var msgStateR wsflate.MessageState
	if enableCompression {
		msgStateR.SetCompressed(true)
		flateReader = wsflate.NewReader(nil, func(r io.Reader) wsflate.Decompressor {
			return flate.NewReader(r)
		})
	}
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := &wsutil.Reader{
		Source:         conn,
		State:          state,
		OnIntermediate: controlHandler,
		CheckUTF8:      false,
		Extensions:     []wsutil.RecvExtension{&msgStateR},
	}
	var flateWriter *wsflate.Writer
	var msgStateW wsflate.MessageState
	if enableCompression {
		msgStateW.SetCompressed(true)
		flateWriter = wsflate.NewWriter(nil, func(w io.Writer) wsflate.Compressor {
			fw, _ := flate.NewWriter(w, 4)
			return fw
		})
	}
	writer := wsutil.NewWriter(conn, state, ws.OpText)
	writer.SetExtensions(&msgStateW)
	return &connection{
		conn:              conn,
		enableCompression: enableCompression,
		controlHandler:    controlHandler,
		flateReader:       flateReader,
		reader:            reader,
		msgStateR:         &msgStateR,
		flateWriter:       flateWriter,
		writer:            writer,
		msgStateW:         &msgStateW,
	}, nil
}

func (cn *connection) writeText(data []byte) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.msgStateW.IsCompressed() && cn.enableCompression {
		cn.flateWriter.Reset(cn.writer)
		if _, err := io.Copy(cn.flateWriter, bytes.NewReader(data)); err != nil {
			return err
		}
		if err := cn.flateWriter.Close(); err != nil {
			return err
		}
	} else if _, err := io.Copy(cn.writer, bytes.NewReader(data)); err != nil {
		return err
	}
	return cn.writer.Flush()
}

func (cn *connection) readMessage(buf io.Writer) error {
	for {
		h, err := cn.reader.NextFrame()
		if err != nil {
			cn.conn.Close()
			return err
		}
		if h.OpCode.IsControl() {
			if err := cn.controlHandler(h, cn.reader); err != nil {
				return err
			}
			if err := cn.reader.Discard(); err != nil {
				return err
			}
			continue
		}
		if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err := cn.reader.Discard(); err != nil {
			return err
		}
	}
	if cn.msgStateR.IsCompressed() && cn.enableCompression {
		cn.flateReader.Reset(cn.reader)
		_, err := io.Copy(buf, cn.flateReader)
		return err
	}
	_, err := io.Copy(buf, cn.reader)
	return err
}

func (cn *connection) Close() error { return cn.conn.Close() }
