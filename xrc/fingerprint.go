package xrc

import (
	"encoding/binary"
	"math"

	"github.com/snksoft/crc"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Fingerprint is a CRC-16 of the segment geometry.  It is recorded with each
// outcome so a consumer can check that results belong to the grid it expects.
func Fingerprint(segments []GridSegmentSpec) uint16 {
	sum := crcTable.InitCrc()
	buf := make([]byte, 8)
	put := func(f float64) {
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		sum = crcTable.UpdateCrc(sum, buf)
	}
	for _, seg := range segments {
		put(seg.Start.X)
		put(seg.Start.Y)
		put(seg.Start.Z)
		put(seg.StepSize.X)
		put(seg.StepSize.Y)
		put(seg.StepSize.Z)
		put(float64(seg.StepCount.X))
		put(float64(seg.StepCount.Y))
		put(seg.RotationAngleDeg)
	}
	return crcTable.CRC16(sum)
}
