package disk

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB

	// DefaultSectorSize is the logical sector size assumed when a device
	// does not report one.
	DefaultSectorSize = 512
)

type Unit string

const (
	UnitBytes   Unit = "B"
	UnitSectors Unit = "sectors"
	UnitKiB     Unit = "KiB"
	UnitMiB     Unit = "MiB"
	UnitGiB     Unit = "GiB"
	UnitTiB     Unit = "TiB"
	UnitPercent Unit = "Percent"
)

var unitMultipliers = map[Unit]uint64{
	UnitBytes: 1,
	UnitKiB:   KiB,
	UnitMiB:   MiB,
	UnitGiB:   GiB,
	UnitTiB:   TiB,
}

var ErrNoTotalSize = errors.New("percent based size requires a total size")

// Size is a quantity in a given unit. Sector and percent based sizes carry
// the context needed to convert them to bytes: the sector size and, for
// percentages, the total size in bytes of the device they are relative to.
type Size struct {
	Value      float64 `json:"value"`
	Unit       Unit    `json:"unit"`
	SectorSize uint64  `json:"sector_size,omitempty"`
	// Total size in bytes that percentages are resolved against.
	Total uint64 `json:"total_size,omitempty"`
}

func NewSize(value float64, unit Unit, sectorSize uint64) Size {
	return Size{Value: value, Unit: unit, SectorSize: sectorSize}
}

func NewPercent(percent float64, total uint64) Size {
	return Size{Value: percent, Unit: UnitPercent, Total: total}
}

func (s Size) sectorSize() uint64 {
	if s.SectorSize == 0 {
		return DefaultSectorSize
	}
	return s.SectorSize
}

func (s Size) validUnit() bool {
	if _, ok := unitMultipliers[s.Unit]; ok {
		return true
	}
	return s.Unit == UnitSectors || s.Unit == UnitPercent
}

// Bytes normalizes the size to bytes. Fractions of a byte are dropped.
func (s Size) Bytes() (uint64, error) {
	if s.Value < 0 {
		return 0, fmt.Errorf("negative size %v", s.Value)
	}

	var b float64
	switch s.Unit {
	case UnitSectors:
		b = math.Floor(s.Value) * float64(s.sectorSize())
	case UnitPercent:
		if s.Total == 0 {
			return 0, ErrNoTotalSize
		}
		b = float64(s.Total) * s.Value / 100
	default:
		mult, ok := unitMultipliers[s.Unit]
		if !ok {
			return 0, fmt.Errorf("unknown size unit %q", s.Unit)
		}
		b = s.Value * float64(mult)
	}

	// float64(math.MaxUint64) rounds up to 2^64, which is already out of range.
	if b >= float64(math.MaxUint64) || math.IsInf(b, 0) || math.IsNaN(b) {
		return 0, &DiskError{Msg: fmt.Sprintf("size %v %s overflows a 64-bit byte count", s.Value, s.Unit)}
	}
	return uint64(math.Floor(b)), nil
}

// Sectors returns the size as a whole number of sectors, rounded down.
func (s Size) Sectors() (uint64, error) {
	b, err := s.Bytes()
	if err != nil {
		return 0, err
	}
	return b / s.sectorSize(), nil
}

// Convert expresses the size in another unit. Conversion to sectors rounds
// down to a whole sector; conversion to a percentage needs Total to be set.
func (s Size) Convert(unit Unit) (Size, error) {
	b, err := s.Bytes()
	if err != nil {
		return Size{}, err
	}

	out := Size{Unit: unit, SectorSize: s.SectorSize, Total: s.Total}
	switch unit {
	case UnitSectors:
		out.Value = float64(b / s.sectorSize())
	case UnitPercent:
		if s.Total == 0 {
			return Size{}, ErrNoTotalSize
		}
		out.Value = float64(b) * 100 / float64(s.Total)
	default:
		mult, ok := unitMultipliers[unit]
		if !ok {
			return Size{}, fmt.Errorf("unknown size unit %q", unit)
		}
		out.Value = float64(b) / float64(mult)
	}
	return out, nil
}

// Add returns the sum of both sizes in bytes.
func (s Size) Add(o Size) (Size, error) {
	a, b, err := normalizePair(s, o)
	if err != nil {
		return Size{}, err
	}
	return Size{Value: float64(a + b), Unit: UnitBytes, SectorSize: s.SectorSize, Total: s.Total}, nil
}

// Sub returns s - o in bytes. The result may not be negative.
func (s Size) Sub(o Size) (Size, error) {
	a, b, err := normalizePair(s, o)
	if err != nil {
		return Size{}, err
	}
	if b > a {
		return Size{}, fmt.Errorf("cannot subtract %s from %s", o, s)
	}
	return Size{Value: float64(a - b), Unit: UnitBytes, SectorSize: s.SectorSize, Total: s.Total}, nil
}

// Compare returns -1, 0 or 1 depending on whether s is smaller, equal or
// larger than o.
func (s Size) Compare(o Size) (int, error) {
	a, b, err := normalizePair(s, o)
	if err != nil {
		return 0, err
	}
	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	}
	return 0, nil
}

func normalizePair(a, b Size) (uint64, uint64, error) {
	ab, err := a.Bytes()
	if err != nil {
		return 0, 0, err
	}
	bb, err := b.Bytes()
	if err != nil {
		return 0, 0, err
	}
	return ab, bb, nil
}

// WithContext fills in a missing sector size and percent total.
func (s Size) WithContext(sectorSize, total uint64) Size {
	if s.SectorSize == 0 {
		s.SectorSize = sectorSize
	}
	if s.Unit == UnitPercent && s.Total == 0 {
		s.Total = total
	}
	return s
}

func (s Size) String() string {
	switch s.Unit {
	case UnitPercent:
		return fmt.Sprintf("%g%%", s.Value)
	case UnitSectors:
		return fmt.Sprintf("%d sectors", uint64(s.Value))
	}
	b, err := s.Bytes()
	if err != nil {
		return fmt.Sprintf("%g %s", s.Value, s.Unit)
	}
	return humanize.IBytes(b)
}
