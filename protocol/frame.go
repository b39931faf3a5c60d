package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Preamble selects the request class carried by an envelope.
type Preamble [2]byte

var (
	// PreambleInquiry marks a read command.
	PreambleInquiry = Preamble{0xff, 0x04}
	// PreambleSetting marks a write command.
	PreambleSetting = Preamble{0x01, 0x04}
)

const (
	// frameOverhead is everything around the payload: counter(2),
	// constant(2), length(2), preamble(2), crc(2), terminator(1).
	frameOverhead = 11

	terminator = 0x0d

	// maxResyncScan bounds the byte-at-a-time scan for a frame header
	// in a desynchronized stream.
	maxResyncScan = 4096
)

var (
	// ErrShortBuffer means the buffer does not yet hold a complete
	// frame; read more and retry.
	ErrShortBuffer = errors.New("incomplete frame")
	// ErrCRCMismatch means a structurally valid frame failed its CRC.
	ErrCRCMismatch = errors.New("crc mismatch")
	// ErrBadFrame means the frame structure itself is wrong.
	ErrBadFrame = errors.New("malformed frame")
	// ErrDesync means no frame header was found within the resync scan
	// limit. The stream is beyond recovery.
	ErrDesync = errors.New("frame stream desynchronized")
)

// Frame is one decoded envelope.
type Frame struct {
	Counter uint16
	Payload []byte
}

// Encode packages payload into an on-wire envelope.
func Encode(counter uint16, preamble Preamble, payload []byte) []byte {
	msg := make([]byte, 0, frameOverhead+len(payload))
	msg = binary.BigEndian.AppendUint16(msg, counter)
	msg = append(msg, 0x00, 0x01)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(payload)+5))
	msg = append(msg, preamble[0], preamble[1])
	msg = append(msg, payload...)
	crc := CRC(payload)
	msg = append(msg, crc[0], crc[1])
	msg = append(msg, terminator)
	return msg
}

// Decode pops the first frame out of buf. It returns the number of
// bytes consumed, which the caller must drop from its receive buffer
// regardless of the error value.
//
// ErrShortBuffer asks for more input. When the header signature is not
// at the front of the buffer, bytes are discarded one at a time until
// one is found, up to maxResyncScan before giving up with ErrDesync.
func Decode(buf []byte) (Frame, int, error) {
	skipped := 0
	for {
		if skipped >= maxResyncScan {
			return Frame{}, skipped, ErrDesync
		}
		rest := buf[skipped:]
		if len(rest) < frameOverhead {
			if skipped > 0 {
				log.Warnf("discarded %d bytes looking for a frame header", skipped)
			}
			return Frame{}, skipped, ErrShortBuffer
		}
		if !validHeader(rest) {
			skipped++
			continue
		}

		total := int(binary.BigEndian.Uint16(rest[4:6])) + 6
		if total < frameOverhead {
			// Length field too small to hold even an empty payload.
			skipped++
			continue
		}
		if len(rest) < total {
			if skipped > 0 {
				log.Warnf("discarded %d bytes looking for a frame header", skipped)
			}
			return Frame{}, skipped, ErrShortBuffer
		}

		frame := rest[:total]
		consumed := skipped + total
		if frame[total-1] != terminator {
			return Frame{}, consumed, fmt.Errorf("%w: bad terminator 0x%02x", ErrBadFrame, frame[total-1])
		}
		payload := frame[8 : total-3]
		crc := CRC(payload)
		if crc[0] != frame[total-3] || crc[1] != frame[total-2] {
			return Frame{}, consumed, fmt.Errorf("%w: got %02x%02x want %02x%02x",
				ErrCRCMismatch, frame[total-3], frame[total-2], crc[0], crc[1])
		}
		out := Frame{
			Counter: binary.BigEndian.Uint16(frame[0:2]),
			Payload: append([]byte(nil), payload...),
		}
		if skipped > 0 {
			log.Warnf("discarded %d bytes before a valid frame", skipped)
		}
		return out, consumed, nil
	}
}

func validHeader(buf []byte) bool {
	if buf[2] != 0x00 || buf[3] != 0x01 {
		return false
	}
	p := Preamble{buf[6], buf[7]}
	return p == PreambleInquiry || p == PreambleSetting
}
