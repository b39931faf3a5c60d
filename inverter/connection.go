package inverter

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"voltronic-bridge/mqtt"
	"voltronic-bridge/protocol"
)

// Bus is the MQTT facade a connection publishes through. Topic parts
// are relative to the configured base topic. Handlers registered for a
// prefix run synchronously on the broker callback goroutine and must
// not block; a connection's handler only appends to its send queue.
type Bus interface {
	Publish(part, value string)
	Register(prefix string, h mqtt.Handler)
	Unregister(prefix string)
}

// FrameLog receives a transcript of raw frames for debugging. May be
// satisfied by logs.Writer; a nil FrameLog disables transcripts.
type FrameLog interface {
	Write(name, direction string, frame []byte) error
}

// Connection owns one inverter TCP socket. A single goroutine runs the
// loop; the mutex only guards the query table, send queue and
// discovered attributes, which the MQTT callback also touches.
type Connection struct {
	conn       net.Conn
	addr       string
	bus        Bus
	transcript FrameLog
	onField    func(serial string, f protocol.Field)

	exit atomic.Bool

	mu            sync.Mutex
	counter       uint16
	queries       map[uint16]*query
	toSend        []*query
	lastScheduled time.Time
	invalidCount  int
	haveProtocol  bool
	protocolVer   int
	serial        string
	firmware      map[string]string
	lastActivity  time.Time

	recvBuf []byte
}

// Info is a point-in-time snapshot of a connection for the status API.
type Info struct {
	RemoteAddr       string            `json:"remoteAddr"`
	Serial           string            `json:"serial,omitempty"`
	ProtocolVersion  int               `json:"protocolVersion,omitempty"`
	Firmware         map[string]string `json:"firmware,omitempty"`
	InvalidResponses int               `json:"invalidResponses"`
	LastActivity     time.Time         `json:"lastActivity"`
}

// NewConnection wraps an accepted socket. Call Run to drive it.
// transcript and onField may be nil.
func NewConnection(conn net.Conn, bus Bus, transcript FrameLog, onField func(string, protocol.Field)) *Connection {
	c := &Connection{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		bus:        bus,
		transcript: transcript,
		onField:    onField,
		// Randomized start so counters don't collide across
		// reconnects of the same dongle.
		counter:  uint16(100 + rand.Intn(89901)),
		queries:  make(map[uint16]*query),
		firmware: make(map[string]string),
	}
	return c
}

// Exit asks the loop to stop at its next iteration.
func (c *Connection) Exit() {
	c.exit.Store(true)
}

// Info snapshots the connection state.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	fw := make(map[string]string, len(c.firmware))
	for k, v := range c.firmware {
		fw[k] = v
	}
	return Info{
		RemoteAddr:       c.addr,
		Serial:           c.serial,
		ProtocolVersion:  c.protocolVer,
		Firmware:         fw,
		InvalidResponses: c.invalidCount,
		LastActivity:     c.lastActivity,
	}
}

// Run is the connection loop. It returns when the peer disconnects,
// Exit is called, or the invalid-response ceiling trips.
func (c *Connection) Run() {
	log.Infof("new inverter connection from %s", c.addr)
	stat.ActiveConnections.Inc()
	defer stat.ActiveConnections.Dec()
	defer c.close()

	buf := make([]byte, 2048)
	for !c.exit.Load() {
		now := time.Now()
		c.schedule(now)

		if q := c.nextToSend(now); q != nil {
			if err := c.transmit(q); err != nil {
				log.Infof("connection from %s has dropped: %v", c.addr, err)
				return
			}
		} else {
			c.dropExpired(now)
		}

		c.conn.SetReadDeadline(time.Now().Add(readInterval))
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
			c.recvBuf = append(c.recvBuf, buf[:n]...)
			c.drainFrames()
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			if errors.Is(err, io.EOF) {
				log.Infof("connection from %s has dropped", c.addr)
			} else {
				log.Warnf("read from %s: %v", c.addr, err)
			}
			return
		}

		c.mu.Lock()
		tripped := c.invalidCount >= invalidResponseCeiling
		c.mu.Unlock()
		if tripped {
			// Leave the inverter alone for a while before closing;
			// it reacts badly to immediate reconnect traffic.
			log.Warnf("%s exceeded %d invalid responses, settling before disconnect", c.addr, invalidResponseCeiling)
			time.Sleep(settleDelay)
			return
		}
	}
}

// schedule enqueues the next discovery step or, once the inverter is
// identified, the periodic status batch. At most one batch per
// scheduleInterval.
func (c *Connection) schedule(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastScheduled) < scheduleInterval {
		return
	}
	switch {
	case !c.haveProtocol:
		c.newQuery(protocol.KindQPI, now)
	case c.serial == "":
		c.newQuery(protocol.KindQID, now)
	case len(c.firmware) < 2:
		c.newQuery(protocol.KindQVFW, now)
		c.newQuery(protocol.KindQVFW2, now)
		c.newQuery(protocol.KindQVFW3, now)
	default:
		for _, kind := range []protocol.Kind{
			protocol.KindQPIRI, protocol.KindQFLAG, protocol.KindQPIGS, protocol.KindQMOD, protocol.KindQPIWS,
		} {
			c.newQuery(kind, now)
		}
	}
	c.lastScheduled = now
}

// newQuery allocates a counter, registers the query in the outstanding
// table and appends it to the send queue. Callers hold c.mu.
func (c *Connection) newQuery(kind protocol.Kind, now time.Time) *query {
	return c.newQueryPayload(kind, kind.Request(), now)
}

func (c *Connection) newQueryPayload(kind protocol.Kind, payload []byte, now time.Time) *query {
	q := &query{
		counter: c.counter,
		kind:    kind,
		payload: payload,
		created: now,
	}
	c.counter++
	c.queries[q.counter] = q
	c.toSend = append(c.toSend, q)
	return q
}

// nextToSend applies the pacing rule: pop one query only while nothing
// already transmitted is still awaiting its reply. Queued queries are
// pre-registered in the outstanding table, hence the subtraction.
func (c *Connection) nextToSend(now time.Time) *query {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toSend) == 0 {
		return nil
	}
	if len(c.queries)-len(c.toSend) >= 1 {
		return nil
	}
	q := c.toSend[0]
	c.toSend = c.toSend[1:]
	q.transmitted = now
	return q
}

// dropExpired purges transmitted queries that never got a reply.
func (c *Connection) dropExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, q := range c.queries {
		if q.expired(now) {
			log.Debugf("giving up on %s (counter %#04x) after %v", q.kind, q.counter, now.Sub(q.transmitted))
			delete(c.queries, key)
			stat.QueriesExpired.Inc()
		}
	}
}

func (c *Connection) transmit(q *query) error {
	frame := protocol.Encode(q.counter, q.kind.Preamble(), q.payload)
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	log.Debugf("sent %s to %s: % x", q.payload, c.addr, frame)
	stat.FramesSent.Inc()
	if c.transcript != nil {
		c.transcript.Write(c.logName(), "TX", frame)
	}
	return nil
}

// drainFrames decodes as many complete frames as the receive buffer
// holds and dispatches each to its query.
func (c *Connection) drainFrames() {
	for {
		frame, consumed, err := protocol.Decode(c.recvBuf)
		raw := c.recvBuf[:consumed]
		c.recvBuf = c.recvBuf[consumed:]
		switch {
		case errors.Is(err, protocol.ErrShortBuffer):
			return
		case errors.Is(err, protocol.ErrDesync):
			c.recvBuf = nil
			c.noteInvalid(err)
			return
		case err != nil:
			c.noteInvalid(err)
			continue
		}
		stat.FramesReceived.Inc()
		if c.transcript != nil {
			c.transcript.Write(c.logName(), "RX", raw)
		}
		c.handleFrame(frame)
	}
}

func (c *Connection) handleFrame(frame protocol.Frame) {
	c.mu.Lock()
	q, ok := c.queries[frame.Counter]
	if ok {
		delete(c.queries, frame.Counter)
	}
	c.mu.Unlock()
	if !ok {
		log.Infof("reply with unknown counter %#04x from %s; ignoring", frame.Counter, c.addr)
		return
	}
	log.Debugf("reply for %s (counter %#04x): %q", q.kind, q.counter, frame.Payload)

	reply, err := protocol.DecodeReply(q.kind, frame.Payload)
	if err != nil {
		c.noteInvalid(err)
		return
	}
	if reply.NAK {
		if q.kind.Setting() {
			log.Warnf("inverter %s declined setting %s", c.logName(), q.payload)
		} else {
			log.Infof("got a NAK for %s, skipping", q.kind)
		}
		return
	}

	switch q.kind {
	case protocol.KindQPI:
		c.mu.Lock()
		c.haveProtocol = true
		c.protocolVer = reply.ProtocolVersion
		c.mu.Unlock()
		log.Infof("inverter %s speaks protocol %d", c.addr, reply.ProtocolVersion)
	case protocol.KindQID:
		c.registerSerial(reply.Serial)
	case protocol.KindQVFW, protocol.KindQVFW2, protocol.KindQVFW3:
		c.mu.Lock()
		c.firmware[reply.FirmwareBank] = reply.FirmwareVersion
		c.mu.Unlock()
		log.Infof("inverter %s firmware%s is %s", c.logName(), reply.FirmwareBank, reply.FirmwareVersion)
	}

	for _, f := range reply.Fields {
		c.publish(f)
	}
}

// registerSerial records the discovered serial and moves the MQTT
// command subscription over to it.
func (c *Connection) registerSerial(serial string) {
	c.mu.Lock()
	old := c.serial
	c.serial = serial
	c.mu.Unlock()

	if c.bus != nil {
		if old != "" {
			c.bus.Unregister(old + "/command")
		}
		c.bus.Register(serial+"/command", c.handleCommand)
	}
	log.Infof("inverter at %s has serial %s", c.addr, serial)
}

// publish sends one decoded field under the inverter's serial.
func (c *Connection) publish(f protocol.Field) {
	c.mu.Lock()
	serial := c.serial
	c.mu.Unlock()
	if serial == "" || c.bus == nil {
		log.Warnf("dropping %s=%s from %s: serial not discovered yet", f.Name, f.Value, c.addr)
		return
	}
	c.bus.Publish(serial+"/"+f.Name, f.Value)
	stat.Publishes.Inc()
	if c.onField != nil {
		c.onField(serial, f)
	}
}

// handleCommand runs on the MQTT callback goroutine. It only parses
// the command and appends a setting query; the loop does the I/O.
func (c *Connection) handleCommand(topic string, payload []byte) {
	value := string(payload)
	var (
		kind protocol.Kind
		req  []byte
		err  error
	)
	switch {
	case strings.HasSuffix(topic, "/command/set_output_priority"):
		kind = protocol.KindSetOutputPriority
		req, err = protocol.SetOutputPriorityRequest(value)
	case strings.HasSuffix(topic, "/command/set_charge_priority"):
		kind = protocol.KindSetChargePriority
		req, err = protocol.SetChargePriorityRequest(value)
	default:
		log.Infof("ignoring unknown command topic %s", topic)
		return
	}
	if err != nil {
		log.Warnf("dropping command on %s: %v", topic, err)
		return
	}

	log.Infof("requesting %s via %s", value, req)
	c.mu.Lock()
	c.newQueryPayload(kind, req, time.Now())
	c.mu.Unlock()
	stat.CommandsReceived.Inc()
}

func (c *Connection) noteInvalid(err error) {
	log.Warnf("invalid response from %s: %v", c.addr, err)
	stat.InvalidResponses.Inc()
	c.mu.Lock()
	c.invalidCount++
	c.mu.Unlock()
}

// logName prefers the serial once discovered.
func (c *Connection) logName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serial != "" {
		return c.serial
	}
	return c.addr
}

func (c *Connection) close() {
	if c.bus != nil {
		c.mu.Lock()
		serial := c.serial
		c.mu.Unlock()
		if serial != "" {
			c.bus.Unregister(serial + "/command")
		}
	}
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	log.Infof("closing connection from %s", c.addr)
	c.conn.Close()
}
