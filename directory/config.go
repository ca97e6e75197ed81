package directory

import (
	"fmt"

	"github.com/sarchlab/dirsim/sim"
)

// Region describes the address range this directory owns, spec.md §6's
// addr_range_start/end + interleave_size/step.
type Region struct {
	Start          uint64
	End            uint64
	InterleaveSize uint64
	InterleaveStep uint64
}

// Validate checks the interleave parameters are multiples of lineSize and
// the range is well formed, per spec.md §7 kind 5 (configuration error is
// fatal at construction, not at first request).
func (r Region) Validate(lineSize uint64) error {
	if r.End <= r.Start {
		return fmt.Errorf("region end 0x%x must be greater than start 0x%x", r.End, r.Start)
	}

	if r.InterleaveSize == 0 {
		return nil
	}

	if r.InterleaveSize%lineSize != 0 {
		return fmt.Errorf("interleave_size %d is not a multiple of cache_line_size %d", r.InterleaveSize, lineSize)
	}

	if r.InterleaveStep%lineSize != 0 {
		return fmt.Errorf("interleave_step %d is not a multiple of cache_line_size %d", r.InterleaveStep, lineSize)
	}

	return nil
}

// Contains reports whether addr falls in the region, accounting for
// interleaving (a zero InterleaveSize means the whole [Start,End) range is
// contiguous to this directory).
func (r Region) Contains(addr uint64) bool {
	if addr < r.Start || addr >= r.End {
		return false
	}

	if r.InterleaveSize == 0 || r.InterleaveStep == 0 {
		return true
	}

	offset := (addr - r.Start) % r.InterleaveStep
	return offset < r.InterleaveSize
}

// Config is the full external configuration surface of spec.md §6, plus the
// ambient additions of SPEC_FULL.md §6.1.
type Config struct {
	// Name is the component instance name, used for port naming and log
	// prefixes.
	Name string
	// Freq is the controller's clock frequency (spec.md's `clock`).
	Freq sim.Freq

	CacheLineSize    uint64
	Protocol         Protocol
	MSHRNumEntries   int // negative = unbounded, 0 invalid
	EntryCacheSize   int // 0 disables entry caching
	MaxReqsPerCycle  int // 0 = unlimited
	AccessLatency    int // cycles
	MSHRLatency      int // cycles
	Region           Region
	MemAddrStart     uint64
	MinPacketSize    uint64

	LogLevel   LogLevel
	DebugAddrs []uint64
	RandSeed   int64
}

// Validate checks the enumerated invariants of spec.md §6/§7 that must be
// caught at construction time rather than at first request.
func (c Config) Validate() error {
	if c.CacheLineSize == 0 {
		return fmt.Errorf("cache_line_size must be positive")
	}

	if c.MSHRNumEntries == 0 {
		return fmt.Errorf("mshr_num_entries of 0 is invalid (use a negative value for unbounded)")
	}

	if err := c.Region.Validate(c.CacheLineSize); err != nil {
		return fmt.Errorf("region: %w", err)
	}

	return nil
}

// mshrCapacity turns the signed spec.md convention (negative = unbounded)
// into the unsigned NewMSHR convention (0 = unbounded).
func (c Config) mshrCapacity() int {
	if c.MSHRNumEntries < 0 {
		return 0
	}

	return c.MSHRNumEntries
}

func (c Config) lineAddr(addr uint64) uint64 {
	return addr &^ (c.CacheLineSize - 1)
}
