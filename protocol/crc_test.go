package protocol

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCRCKnownPayloads(t *testing.T) {
	tests := []struct {
		payload string
		want    [2]byte
	}{
		{"QPI", [2]byte{0xbe, 0xac}},
		{"QMOD", [2]byte{0x49, 0xc1}},
		{"QID", [2]byte{0xd6, 0xea}},
		{"QVFW", [2]byte{0x62, 0x99}},
		{"QPIGS", [2]byte{0xb7, 0xa9}},
		{"QPIRI", [2]byte{0xf8, 0x54}},
		{"QFLAG", [2]byte{0x98, 0x74}},
		{"QPIWS", [2]byte{0xb4, 0xda}},
		{"PCP01", [2]byte{0x9d, 0x5b}},
		{"POP00", [2]byte{0xc2, 0x48}},
		{"(PI30", [2]byte{0x9a, 0x0b}},
		{"(ACK", [2]byte{0x39, 0x20}},
		{"(NAK", [2]byte{0x73, 0x73}},
	}
	for _, tt := range tests {
		if got := CRC([]byte(tt.payload)); got != tt.want {
			t.Errorf("CRC(%q) = %02x%02x, want %02x%02x", tt.payload, got[0], got[1], tt.want[0], tt.want[1])
		}
	}
}

func TestCRCEscapesReservedBytes(t *testing.T) {
	// Raw CRC of "AAL" is 0x9d28: the low byte collides with '(' and
	// gets bumped to 0x29. Raw CRC of "ACC" is 0x0aa5: the high byte
	// collides with LF and the full CRC gets 0x0100 added.
	if got := CRC([]byte("AAL")); got != [2]byte{0x9d, 0x29} {
		t.Errorf("CRC(AAL) = %02x%02x, want 9d29", got[0], got[1])
	}
	if got := CRC([]byte("ACC")); got != [2]byte{0x0b, 0xa5} {
		t.Errorf("CRC(ACC) = %02x%02x, want 0ba5", got[0], got[1])
	}
}

func TestCRCAvoidsReservedBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		payload := make([]byte, 1+rng.Intn(64))
		rng.Read(payload)
		crc := CRC(payload)
		for _, b := range crc[:] {
			if bytes.IndexByte([]byte{0x28, 0x0d, 0x0a}, b) >= 0 {
				t.Fatalf("CRC(% x) = %02x%02x contains reserved byte", payload, crc[0], crc[1])
			}
		}
	}
}
