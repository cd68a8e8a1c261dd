package dispatch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// envelope frames one control message on the stream RPC: a type tag plus
// the JSON-encoded body.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func makeEnvelope(kind string, body any) (envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return envelope{}, err
	}
	return envelope{Type: kind, Data: data}, nil
}

// streamSink is the MessageSink for a control connection: it serializes
// dispatcher pushes as newline-delimited envelopes.
type streamSink struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *streamSink) Send(msg any) error {
	var (
		env envelope
		err error
	)
	switch m := msg.(type) {
	case BackendListUpdate:
		env, err = makeEnvelope("update_backend_list", m)
	case ModelRouteUpdate:
		env, err = makeEnvelope("update_model_routes", m)
	case LoadModelCommand:
		env, err = makeEnvelope("load_model_command", m)
	case ModelTableUpdate:
		env, err = makeEnvelope("update_model_table", m)
	case *BatchPlan:
		env, err = makeEnvelope("enqueue_batch_plan", m)
	default:
		return fmt.Errorf("unknown outbound message %T", msg)
	}
	if err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.conn.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		logrus.Warnf("control push sent %d bytes, expecting %d bytes", n, len(line))
	}
	return nil
}

// ControlServer is the stream control-RPC shell: registration, keep-alive,
// and load-model from nodes, push channel back to them. One goroutine per
// connection.
type ControlServer struct {
	dispatcher *Dispatcher
	listener   net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewControlServer binds the control listener. A failed bind is a fatal
// startup error for the caller.
func NewControlServer(dispatcher *Dispatcher, addr string) (*ControlServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind control rpc %s: %w", addr, err)
	}
	return &ControlServer{
		dispatcher: dispatcher,
		listener:   listener,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Run accepts control connections until Stop closes the listener.
func (c *ControlServer) Run() {
	logrus.Infof("control RPC listening on %s", c.listener.Addr())
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Warnf("control accept: %v", err)
			continue
		}
		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()
		c.wg.Add(1)
		go c.serveConn(conn)
	}
}

// Stop closes the listener and every live connection, then joins.
func (c *ControlServer) Stop() {
	c.listener.Close()
	c.mu.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *ControlServer) serveConn(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	sink := &streamSink{conn: conn}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			logrus.Warnf("control conn %s: bad envelope: %v", ip, err)
			continue
		}
		reply, err := c.handle(env, ip, sink)
		if err != nil {
			logrus.Warnf("control conn %s: %v", ip, err)
			continue
		}
		line, err := json.Marshal(reply)
		if err != nil {
			logrus.Errorf("control conn %s: encode reply: %v", ip, err)
			continue
		}
		sink.mu.Lock()
		_, werr := conn.Write(append(line, '\n'))
		sink.mu.Unlock()
		if werr != nil {
			logrus.Warnf("control conn %s: write reply: %v", ip, werr)
			return
		}
	}
}

func (c *ControlServer) handle(env envelope, ip string, sink MessageSink) (envelope, error) {
	switch env.Type {
	case "register":
		var req RegisterRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return envelope{}, fmt.Errorf("bad register: %w", err)
		}
		return makeEnvelope("register_reply", c.dispatcher.Register(req, ip, sink))
	case "unregister":
		var req UnregisterRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return envelope{}, fmt.Errorf("bad unregister: %w", err)
		}
		return makeEnvelope("unregister_reply", struct {
			Status Status `json:"Status"`
		}{c.dispatcher.Unregister(req)})
	case "keep_alive":
		var req KeepAliveRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return envelope{}, fmt.Errorf("bad keep_alive: %w", err)
		}
		return makeEnvelope("keep_alive_reply", struct {
			Status Status `json:"Status"`
		}{c.dispatcher.KeepAlive(req)})
	case "load_model":
		var req LoadModelRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return envelope{}, fmt.Errorf("bad load_model: %w", err)
		}
		return makeEnvelope("load_model_reply", c.dispatcher.LoadModel(req))
	default:
		return envelope{}, fmt.Errorf("unknown control message type %q", env.Type)
	}
}
