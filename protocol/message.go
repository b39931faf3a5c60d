package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidReply means a reply did not match the shape its request
// kind expects.
var ErrInvalidReply = errors.New("invalid reply")

// Kind identifies one of the recognized inquiry or setting messages.
type Kind int

const (
	KindQPI Kind = iota
	KindQID
	KindQVFW
	KindQVFW2
	KindQVFW3
	KindQPIRI
	KindQFLAG
	KindQPIGS
	KindQMOD
	KindQPIWS
	KindSetOutputPriority
	KindSetChargePriority
)

var kindNames = map[Kind]string{
	KindQPI:               "QPI",
	KindQID:               "QID",
	KindQVFW:              "QVFW",
	KindQVFW2:             "QVFW2",
	KindQVFW3:             "QVFW3",
	KindQPIRI:             "QPIRI",
	KindQFLAG:             "QFLAG",
	KindQPIGS:             "QPIGS",
	KindQMOD:              "QMOD",
	KindQPIWS:             "QPIWS",
	KindSetOutputPriority: "POP",
	KindSetChargePriority: "PCP",
}

func (k Kind) String() string { return kindNames[k] }

// Setting reports whether the kind is a write command, which selects
// the setting preamble on the wire.
func (k Kind) Setting() bool {
	return k == KindSetOutputPriority || k == KindSetChargePriority
}

// Preamble returns the envelope preamble for this kind.
func (k Kind) Preamble() Preamble {
	if k.Setting() {
		return PreambleSetting
	}
	return PreambleInquiry
}

// Request returns the wire payload for an inquiry kind. Setting
// payloads carry an argument and are built by their encoder functions.
func (k Kind) Request() []byte {
	switch k {
	case KindQPI, KindQID, KindQVFW, KindQPIRI, KindQFLAG, KindQPIGS, KindQMOD, KindQPIWS:
		return []byte(k.String())
	case KindQVFW2:
		return []byte("QVFW2")
	case KindQVFW3:
		return []byte("QVFW3")
	}
	return nil
}

// firmwareBank is the request suffix selecting the firmware bank.
func (k Kind) firmwareBank() string {
	switch k {
	case KindQVFW2:
		return "2"
	case KindQVFW3:
		return "3"
	}
	return ""
}

// SetOutputPriorityRequest builds the POPnn payload for a canonical
// output-source priority name.
func SetOutputPriorityRequest(name string) ([]byte, error) {
	code, ok := OutputSourcePriorityCode(name)
	if !ok {
		return nil, fmt.Errorf("unknown output priority %q", name)
	}
	n, _ := strconv.Atoi(code)
	return fmt.Appendf(nil, "POP%02d", n), nil
}

// SetChargePriorityRequest builds the PCPnn payload for a canonical
// charger-source priority name.
func SetChargePriorityRequest(name string) ([]byte, error) {
	code, ok := ChargerSourcePriorityCode(name)
	if !ok {
		return nil, fmt.Errorf("unknown charge priority %q", name)
	}
	n, _ := strconv.Atoi(code)
	return fmt.Appendf(nil, "PCP%02d", n), nil
}

// Field is one decoded value ready for republish.
type Field struct {
	Name  string
	Value string
}

// Reply is the decoded form of a response payload. Fields carries the
// values the bridge republishes; the discovery results (protocol
// version, serial, firmware bank and version) also have their own
// fields for the connection to record. Of those, only the firmware
// version appears in Fields as well.
type Reply struct {
	NAK             bool
	ProtocolVersion int
	Serial          string
	FirmwareBank    string
	FirmwareVersion string
	EnabledFlags    string
	DisabledFlags   string
	WarningBits     string
	Fields          []Field
}

var nak = []byte("(NAK")

// DecodeReply parses a response payload against the shape its request
// kind expects. A wrapped ErrInvalidReply counts toward the
// connection's invalid-response ceiling; a Reply with NAK set does not.
func DecodeReply(kind Kind, msg []byte) (Reply, error) {
	switch kind {
	case KindQPI:
		return decodeQPI(msg)
	case KindQID:
		return decodeQID(msg)
	case KindQVFW, KindQVFW2, KindQVFW3:
		return decodeQVFW(kind, msg)
	case KindQPIRI:
		return decodeQPIRI(msg)
	case KindQFLAG:
		return decodeQFLAG(msg)
	case KindQPIGS:
		return decodeQPIGS(msg)
	case KindQMOD:
		return decodeQMOD(msg)
	case KindQPIWS:
		return decodeQPIWS(msg)
	case KindSetOutputPriority, KindSetChargePriority:
		return decodeSetReply(msg)
	}
	return Reply{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidReply, kind)
}

func decodeQPI(msg []byte) (Reply, error) {
	if bytes.Equal(msg, nak) {
		return Reply{NAK: true}, nil
	}
	if len(msg) != 5 || !bytes.HasPrefix(msg, []byte("(PI")) {
		return Reply{}, fmt.Errorf("%w: QPI reply %q", ErrInvalidReply, msg)
	}
	version, err := strconv.Atoi(string(msg[3:5]))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: QPI reply %q", ErrInvalidReply, msg)
	}
	return Reply{ProtocolVersion: version}, nil
}

func decodeQID(msg []byte) (Reply, error) {
	if bytes.Equal(msg, nak) {
		return Reply{NAK: true}, nil
	}
	if len(msg) < 2 || msg[0] != '(' {
		return Reply{}, fmt.Errorf("%w: QID reply %q", ErrInvalidReply, msg)
	}
	return Reply{Serial: string(msg[1:])}, nil
}

func decodeQVFW(kind Kind, msg []byte) (Reply, error) {
	if bytes.Equal(msg, nak) {
		return Reply{NAK: true}, nil
	}
	bank := kind.firmwareBank()
	// Some firmwares answer QVFW2/QVFW3 with a bare (VERFW: prefix.
	if !bytes.HasPrefix(msg, []byte("(VERFW"+bank+":")) && !bytes.HasPrefix(msg, []byte("(VERFW:")) {
		return Reply{}, fmt.Errorf("%w: %s reply %q", ErrInvalidReply, kind, msg)
	}
	_, version, _ := bytes.Cut(msg, []byte(":"))
	return Reply{
		FirmwareBank:    bank,
		FirmwareVersion: string(version),
		Fields:          []Field{{"firmware_version" + bank, string(version)}},
	}, nil
}

// qpiriFieldCount is the minimum space-separated field count of a
// rated-parameters reply. Firmware variants append extra fields, which
// are ignored.
const qpiriFieldCount = 28

func decodeQPIRI(msg []byte) (Reply, error) {
	if len(msg) < 70 || msg[0] != '(' {
		return Reply{}, fmt.Errorf("%w: QPIRI reply %q", ErrInvalidReply, msg)
	}
	values := strings.Split(string(msg[1:]), " ")
	if len(values) < qpiriFieldCount {
		return Reply{}, fmt.Errorf("%w: QPIRI reply has %d fields", ErrInvalidReply, len(values))
	}

	outputPriority, ok := OutputSourcePriorityName(values[16])
	if !ok {
		return Reply{}, fmt.Errorf("%w: QPIRI output source priority %q", ErrInvalidReply, values[16])
	}
	chargerPriority, ok := ChargerSourcePriorityName(values[17])
	if !ok {
		return Reply{}, fmt.Errorf("%w: QPIRI charger source priority %q", ErrInvalidReply, values[17])
	}

	fields := make([]Field, 0, 6)
	for _, f := range []struct {
		name  string
		index int
	}{
		{"battery_recharge_voltage", 8},
		{"max_ac_charging_current", 13},
		{"current_max_charging_current", 14},
	} {
		value, err := decimal(values[f.index])
		if err != nil {
			return Reply{}, fmt.Errorf("%w: QPIRI field %s: %q", ErrInvalidReply, f.name, values[f.index])
		}
		fields = append(fields, Field{f.name, value})
	}
	fields = append(fields,
		Field{"output_source_priority", outputPriority},
		Field{"charger_source_priority", chargerPriority},
		Field{"output_mode", values[21]},
	)
	return Reply{Fields: fields}, nil
}

func decodeQFLAG(msg []byte) (Reply, error) {
	if bytes.Equal(msg, nak) {
		return Reply{NAK: true}, nil
	}
	if len(msg) < 1 || msg[0] != '(' {
		return Reply{}, fmt.Errorf("%w: QFLAG reply %q", ErrInvalidReply, msg)
	}
	// Reply shape (E...D...: letters after E are enabled features,
	// letters after D disabled. Decoded but not republished.
	enabled, disabled, _ := strings.Cut(strings.TrimPrefix(string(msg[1:]), "E"), "D")
	return Reply{EnabledFlags: enabled, DisabledFlags: disabled}, nil
}

// qpigsFields maps the republished live-telemetry fields to their
// position in the QPIGS tuple. All are numeric.
var qpigsFields = []struct {
	name  string
	index int
}{
	{"grid_voltage", 0},
	{"grid_frequency", 1},
	{"output_voltage", 2},
	{"output_frequency", 3},
	{"output_va", 4},
	{"output_w", 5},
	{"output_load_percent", 6},
	{"bus_voltage", 7},
	{"battery_voltage", 8},
	{"battery_charging_current", 9},
	{"battery_SOC", 10},
	{"inverter_heatsink_temp", 11},
	{"battery_discharging_current", 15},
}

const qpigsFieldCount = 21

func decodeQPIGS(msg []byte) (Reply, error) {
	if len(msg) < 70 || msg[0] != '(' {
		return Reply{}, fmt.Errorf("%w: QPIGS reply %q", ErrInvalidReply, msg)
	}
	values := strings.Split(string(msg[1:]), " ")
	if len(values) < qpigsFieldCount {
		return Reply{}, fmt.Errorf("%w: QPIGS reply has %d fields", ErrInvalidReply, len(values))
	}
	fields := make([]Field, 0, len(qpigsFields))
	for _, f := range qpigsFields {
		value, err := decimal(values[f.index])
		if err != nil {
			return Reply{}, fmt.Errorf("%w: QPIGS field %s: %q", ErrInvalidReply, f.name, values[f.index])
		}
		fields = append(fields, Field{f.name, value})
	}
	return Reply{Fields: fields}, nil
}

func decodeQMOD(msg []byte) (Reply, error) {
	if len(msg) != 2 || msg[0] != '(' {
		return Reply{}, fmt.Errorf("%w: QMOD reply %q", ErrInvalidReply, msg)
	}
	return Reply{Fields: []Field{{"mode", RunModeName(string(msg[1]))}}}, nil
}

func decodeQPIWS(msg []byte) (Reply, error) {
	if bytes.Equal(msg, nak) {
		return Reply{NAK: true}, nil
	}
	if len(msg) < 1 || msg[0] != '(' {
		return Reply{}, fmt.Errorf("%w: QPIWS reply %q", ErrInvalidReply, msg)
	}
	// Each character is one warning bit. Decoded but not republished.
	return Reply{WarningBits: string(msg[1:])}, nil
}

func decodeSetReply(msg []byte) (Reply, error) {
	if bytes.Equal(msg, nak) {
		return Reply{NAK: true}, nil
	}
	if !bytes.Equal(msg, []byte("(ACK")) {
		return Reply{}, fmt.Errorf("%w: setting reply %q", ErrInvalidReply, msg)
	}
	return Reply{}, nil
}

// decimal normalizes a device numeric string ("099", "0040", "53.60")
// to its canonical decimal form.
func decimal(s string) (string, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}
