package rtltcp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const frameSize = 5

// Command is the first byte of an rtl_tcp command frame.
type Command uint8

// Command codes understood by rtl_tcp. CmdSetTunerGain and CmdSetIFGain share
// 0x0d on the wire; the server tells them apart only by argument magnitude.
const (
	CmdSetCenterFrequency     Command = 0x01
	CmdSetSampleRate          Command = 0x02
	CmdSetManualGain          Command = 0x03
	CmdSetFrequencyCorrection Command = 0x05
	CmdSetTestMode            Command = 0x07
	CmdSetDigitalAGC          Command = 0x08
	CmdSetDirectSampling      Command = 0x09
	CmdSetOffsetTuning        Command = 0x0a
	CmdSetTunerGain           Command = 0x0d
	CmdSetIFGain              Command = 0x0d
)

var commandNames = map[Command]string{
	CmdSetCenterFrequency:     "setCenterFrequency",
	CmdSetSampleRate:          "setSampleRate",
	CmdSetManualGain:          "setManualGainEnabled",
	CmdSetFrequencyCorrection: "setFrequencyCorrection",
	CmdSetTestMode:            "setTestModeEnabled",
	CmdSetDigitalAGC:          "setDigitalAGCEnabled",
	CmdSetDirectSampling:      "setDirectSamplingMode",
	CmdSetOffsetTuning:        "setOffsetTuningEnabled",
	CmdSetTunerGain:           "setGain",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}

// EncodeFrame builds the 5-byte wire frame: the command code followed by the
// argument in network byte order.
func EncodeFrame(code Command, argument uint32) [frameSize]byte {
	var frame [frameSize]byte
	frame[0] = byte(code)
	binary.BigEndian.PutUint32(frame[1:], argument)
	return frame
}

func boolArg(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

var errArgumentRange = errors.New("argument outside the unsigned 32-bit range")

// unsignedArg converts a frequency or rate into a wire argument. Values that
// do not fit into 32 unsigned bits are rejected.
func unsignedArg(v int) (uint32, error) {
	if v < 0 || uint64(v) > 0xffffffff {
		return 0, fmt.Errorf("%w: %d", errArgumentRange, v)
	}
	return uint32(v), nil
}

// signedArg carries a signed setting such as a ppm correction in two's
// complement, which rtl_tcp casts back to int.
func signedArg(v int) uint32 {
	return uint32(int32(v))
}
