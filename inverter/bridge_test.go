package inverter

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"voltronic-bridge/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeInverter answers bridge queries on the far end of a pipe the way
// a real dongle would, recording the payloads it was asked.
type fakeInverter struct {
	conn net.Conn

	mu       sync.Mutex
	requests []string
}

func (f *fakeInverter) run() {
	var buf []byte
	chunk := make([]byte, 2048)
	for {
		n, err := f.conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		for {
			frame, consumed, err := protocol.Decode(buf)
			buf = buf[consumed:]
			if err != nil {
				break
			}
			f.mu.Lock()
			f.requests = append(f.requests, string(frame.Payload))
			f.mu.Unlock()
			reply := f.replyFor(string(frame.Payload))
			if _, err := f.conn.Write(protocol.Encode(frame.Counter, protocol.PreambleInquiry, []byte(reply))); err != nil {
				return
			}
		}
	}
}

func (f *fakeInverter) replyFor(request string) string {
	switch request {
	case "QPI":
		return "(PI30"
	case "QID":
		return "(96332309100452"
	case "QVFW":
		return "(VERFW:00072.70"
	case "QVFW2":
		return "(VERFW2:00072.70"
	case "QVFW3":
		return "(VERFW3:00001.13"
	case "QPIRI":
		return qpiriReply
	case "QFLAG":
		return "(EkxyzDabjuv"
	case "QPIGS":
		return qpigsReply
	case "QMOD":
		return "(B"
	case "QPIWS":
		return "(100000000000000001000000000000000000"
	}
	// PCPnn / POPnn settings
	return "(ACK"
}

func (f *fakeInverter) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeInverter) sawRequest(payload string) bool {
	for _, r := range f.seen() {
		if r == payload {
			return true
		}
	}
	return false
}

// shortenTimers speeds the loop up for tests and restores the
// defaults afterwards.
func shortenTimers(t *testing.T) {
	t.Helper()
	oldSchedule, oldTimeout, oldSettle := scheduleInterval, queryTimeout, settleDelay
	scheduleInterval = 150 * time.Millisecond
	queryTimeout = time.Second
	settleDelay = 20 * time.Millisecond
	t.Cleanup(func() {
		scheduleInterval, queryTimeout, settleDelay = oldSchedule, oldTimeout, oldSettle
	})
}

func TestConnectionEndToEnd(t *testing.T) {
	shortenTimers(t)

	local, remote := net.Pipe()
	defer remote.Close()

	bus := newFakeBus()
	c := NewConnection(local, bus, nil, nil)
	dongle := &fakeInverter{conn: remote}
	go dongle.run()

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()
	defer func() {
		c.Exit()
		<-done
	}()

	// Discovery runs QPI, QID and the firmware banks in order.
	waitFor(t, 5*time.Second, "discovery queries", func() bool {
		return len(dongle.seen()) >= 5
	})
	first := dongle.seen()[:5]
	want := []string{"QPI", "QID", "QVFW", "QVFW2", "QVFW3"}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("discovery order = %v, want %v", first, want)
		}
	}

	waitFor(t, 5*time.Second, "discovery results", func() bool {
		info := c.Info()
		return info.ProtocolVersion == 30 && info.Serial == "96332309100452" && len(info.Firmware) == 3
	})

	// The command subscription follows the discovered serial.
	if bus.handler("96332309100452/command") == nil {
		t.Fatal("no command handler registered for discovered serial")
	}

	// Steady state republishes telemetry under the serial.
	waitFor(t, 5*time.Second, "steady-state publishes", func() bool {
		_, ok := bus.value("96332309100452/mode")
		return ok
	})
	for part, want := range map[string]string{
		"96332309100452/mode":                    "battery",
		"96332309100452/firmware_version":        "00072.70",
		"96332309100452/firmware_version2":       "00072.70",
		"96332309100452/firmware_version3":       "00001.13",
		"96332309100452/grid_voltage":            "118.9",
		"96332309100452/output_w":                "1424",
		"96332309100452/battery_SOC":             "99",
		"96332309100452/battery_voltage":         "53.6",
		"96332309100452/inverter_heatsink_temp":  "40",
		"96332309100452/output_source_priority":  "solar_utility_battery",
		"96332309100452/charger_source_priority": "solar_first",
	} {
		waitFor(t, 5*time.Second, part, func() bool {
			got, ok := bus.value(part)
			return ok && got == want
		})
	}

	// An MQTT command turns into a framed setting.
	h := bus.handler("96332309100452/command")
	h("voltronic/96332309100452/command/set_charge_priority", []byte("solar_first"))
	waitFor(t, 5*time.Second, "PCP01 on the wire", func() bool {
		return dongle.sawRequest("PCP01")
	})
}

func TestInvalidResponseCeilingTearsDown(t *testing.T) {
	shortenTimers(t)

	local, remote := net.Pipe()
	defer remote.Close()

	c := NewConnection(local, newFakeBus(), nil, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	// Swallow whatever the bridge sends so its writes don't block.
	go func() {
		chunk := make([]byte, 2048)
		for {
			if _, err := remote.Read(chunk); err != nil {
				return
			}
		}
	}()

	// Feed frames with mutilated CRCs until the ceiling trips.
	for i := 0; i < invalidResponseCeiling; i++ {
		msg := protocol.Encode(uint16(i), protocol.PreambleInquiry, []byte("(PI30"))
		msg[len(msg)-2] ^= 0xff
		if _, err := remote.Write(msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection survived the invalid-response ceiling")
	}
	if got := c.Info().InvalidResponses; got < invalidResponseCeiling {
		t.Fatalf("invalid responses = %d, want >= %d", got, invalidResponseCeiling)
	}
}

func TestPeerDisconnectEndsRun(t *testing.T) {
	shortenTimers(t)

	local, remote := net.Pipe()
	c := NewConnection(local, newFakeBus(), nil, nil)
	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	// Let the loop start, then drop the peer.
	time.Sleep(50 * time.Millisecond)
	remote.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after peer disconnect")
	}
}

func TestManagerAcceptAndShutdown(t *testing.T) {
	shortenTimers(t)

	m := NewManager(0, newFakeBus(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()

	waitFor(t, 5*time.Second, "listener", func() bool { return m.Addr() != nil })

	conn, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, 5*time.Second, "tracked connection", func() bool { return len(m.Snapshot()) == 1 })

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not shut down")
	}
	if got := len(m.Snapshot()); got != 0 {
		t.Fatalf("%d connections tracked after shutdown", got)
	}
}
