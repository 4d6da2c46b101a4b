package rtltcp

import (
	"encoding/binary"
	"fmt"
)

const headerSize = 12

var dongleMagic = [4]byte{'R', 'T', 'L', '0'}

// DongleInfo is the greeting rtl_tcp sends on every new connection.
type DongleInfo struct {
	Magic     [4]byte
	Tuner     TunerType
	GainCount uint32
}

func (d DongleInfo) Valid() bool {
	return d.Magic == dongleMagic
}

func (d DongleInfo) String() string {
	return fmt.Sprintf("{Magic:%q Tuner:%s GainCount:%d}", d.Magic[:], d.Tuner, d.GainCount)
}

func parseDongleInfo(b []byte) (DongleInfo, bool) {
	var info DongleInfo
	if len(b) < headerSize {
		return info, false
	}
	copy(info.Magic[:], b[:4])
	info.Tuner = TunerType(binary.BigEndian.Uint32(b[4:8]))
	info.GainCount = binary.BigEndian.Uint32(b[8:12])
	return info, info.Valid()
}

type TunerType uint32

const (
	TunerUnknown TunerType = iota
	TunerE4000
	TunerFC0012
	TunerFC0013
	TunerFC2580
	TunerR820T
	TunerR828D
)

var tunerNames = []string{"UNKNOWN", "E4000", "FC0012", "FC0013", "FC2580", "R820T", "R828D"}

func (t TunerType) String() string {
	if int(t) < len(tunerNames) {
		return tunerNames[t]
	}
	return "UNKNOWN"
}

// Gains returns the discrete gain steps, in tenths of a dB, that librtlsdr
// reports for this tuner.
func (t TunerType) Gains() []int {
	switch t {
	case TunerE4000:
		return []int{-10, 15, 40, 65, 90, 115, 140, 165, 190, 215, 240, 290, 340, 420}
	case TunerFC0012:
		return []int{-99, -40, 71, 179, 192}
	case TunerFC0013:
		return []int{-99, -73, -65, -63, -60, -58, -54, 58, 61, 63, 65, 67, 68, 70, 71, 179, 181, 182, 184, 186, 188, 191, 197}
	case TunerFC2580:
		return []int{0}
	case TunerR820T, TunerR828D:
		return []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}
	default:
		return nil
	}
}
