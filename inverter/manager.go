package inverter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"voltronic-bridge/protocol"
)

// FieldUpdate is one republished value, as seen by SSE subscribers.
type FieldUpdate struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Manager accepts dongle connections and keeps the registry of live
// workers. One accept goroutine; one goroutine per connection.
type Manager struct {
	port       int
	bus        Bus
	transcript FrameLog

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*Connection
	wg       sync.WaitGroup

	subMu       sync.RWMutex
	subscribers map[string][]chan FieldUpdate
}

// NewManager builds the acceptor. bus and transcript may be nil; with a
// nil bus, connections neither publish nor register command handlers.
func NewManager(port int, bus Bus, transcript FrameLog) *Manager {
	return &Manager{
		port:        port,
		bus:         bus,
		transcript:  transcript,
		conns:       make(map[string]*Connection),
		subscribers: make(map[string][]chan FieldUpdate),
	}
}

// Run binds the listener and accepts until ctx is cancelled. The
// accept deadline keeps shutdown observation under a second.
func (m *Manager) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", m.port))
	if err != nil {
		return fmt.Errorf("bind inverter listener: %w", err)
	}
	listener := l.(*net.TCPListener)
	m.mu.Lock()
	m.listener = listener
	m.mu.Unlock()
	log.Infof("listening for inverters on %s", listener.Addr())

	for {
		select {
		case <-ctx.Done():
			m.shutdown(listener)
			return nil
		default:
		}

		listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				m.shutdown(listener)
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		m.track(conn)
	}
}

func (m *Manager) track(conn net.Conn) {
	c := NewConnection(conn, m.bus, m.transcript, m.broadcast)
	addr := conn.RemoteAddr().String()

	m.mu.Lock()
	m.conns[addr] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.Run()
		m.mu.Lock()
		delete(m.conns, addr)
		m.mu.Unlock()
	}()
}

// shutdown flags every worker, waits for them, then closes the
// listener.
func (m *Manager) shutdown(l net.Listener) {
	log.Info("shutting down inverter connections")
	m.mu.RLock()
	for _, c := range m.conns {
		c.Exit()
	}
	m.mu.RUnlock()
	m.wg.Wait()
	l.Close()
}

// Addr reports the bound listener address, nil before Run binds it.
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Snapshot lists the live connections for the status API.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Subscribe returns a channel of field updates for one serial.
func (m *Manager) Subscribe(serial string) chan FieldUpdate {
	ch := make(chan FieldUpdate, 64)
	m.subMu.Lock()
	m.subscribers[serial] = append(m.subscribers[serial], ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(serial string, ch chan FieldUpdate) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := m.subscribers[serial]
	for i, s := range subs {
		if s == ch {
			m.subscribers[serial] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// broadcast fans a field update out to SSE subscribers. Non-blocking;
// slow clients lose updates.
func (m *Manager) broadcast(serial string, f protocol.Field) {
	m.subMu.RLock()
	subs := m.subscribers[serial]
	m.subMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- FieldUpdate{Field: f.Name, Value: f.Value}:
		default:
		}
	}
}
