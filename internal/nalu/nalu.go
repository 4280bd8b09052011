// Package nalu classifies H.264 NAL unit types and extracts the resolution
// carried by a Sequence Parameter Set, for use by ingest adapters that must
// populate a packet's H.264 header before handing it to the reassembly
// buffer.
package nalu

// H.264 NAL unit type constants, ITU-T H.264 Table 7-1.
const (
	TypeSlice = 1
	TypeIDR   = 5
	TypeSEI   = 6
	TypeSPS   = 7
	TypePPS   = 8
	TypeAUD   = 9
)

// TypeOf extracts the NAL unit type from the first byte of raw NAL data
// (including the NAL header byte, without the Annex B start code).
func TypeOf(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

func IsIDR(nalType byte) bool { return nalType == TypeIDR }
func IsSPS(nalType byte) bool { return nalType == TypeSPS }
func IsPPS(nalType byte) bool { return nalType == TypePPS }
