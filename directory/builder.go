package directory

import (
	"math/rand/v2"

	"github.com/sarchlab/dirsim/mem/portmap"
	"github.com/sarchlab/dirsim/sim"
)

// deprecatedParams names configuration keys the original SST-Elements
// memHierarchy directory controller once accepted but later retired with a
// behavior change (e.g. a pre-region single-field addr_range in place of
// the current start/end/interleave quadruple). Supplying one is a
// configuration error caught at construction (spec.md §7 kind 5), not
// silently ignored.
var deprecatedParams = map[string]bool{
	"addr_range": true,
	"num_ports":  true,
}

// Builder constructs a directory Comp through the fluent WithX idiom,
// grounded on mem/cache/writearound.Builder.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq

	cacheLineSize   uint64
	protocol        Protocol
	mshrNumEntries  int
	entryCacheSize  int
	maxReqsPerCycle int
	accessLatency   int
	mshrLatency     int
	region          Region
	memAddrStart    uint64
	minPacketSize   uint64
	logLevel        LogLevel
	debugAddrs      []uint64
	randSeed        int64

	memMapper portmap.AddressToPortMapper

	setParams map[string]bool
}

// MakeBuilder creates a builder with the spec's reasonable defaults.
func MakeBuilder() Builder {
	return Builder{
		freq:            1 * sim.GHz,
		cacheLineSize:   64,
		protocol:        MESI,
		mshrNumEntries:  16,
		entryCacheSize:  1024,
		maxReqsPerCycle: 1,
		accessLatency:   1,
		mshrLatency:     1,
		setParams:       make(map[string]bool),
	}
}

func (b Builder) markSet(name string) Builder {
	if b.setParams == nil {
		b.setParams = make(map[string]bool)
	} else {
		cp := make(map[string]bool, len(b.setParams)+1)
		for k := range b.setParams {
			cp[k] = true
		}
		b.setParams = cp
	}

	b.setParams[name] = true

	return b
}

// WithEngine sets the simulation engine.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the controller's clock frequency.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithCacheLineSize sets the coherence granularity in bytes.
func (b Builder) WithCacheLineSize(n uint64) Builder {
	b.cacheLineSize = n
	return b
}

// WithProtocol selects MESI or MSI.
func (b Builder) WithProtocol(p Protocol) Builder {
	b.protocol = p
	return b
}

// WithMSHRNumEntries sets the MSHR line-slot bound (negative = unbounded).
func (b Builder) WithMSHRNumEntries(n int) Builder {
	b.mshrNumEntries = n
	return b
}

// WithEntryCacheSize sets the directory-entry LRU bound (0 disables it).
func (b Builder) WithEntryCacheSize(n int) Builder {
	b.entryCacheSize = n
	return b
}

// WithMaxReqsPerCycle sets the per-cycle arbitration bound (0 = unlimited).
func (b Builder) WithMaxReqsPerCycle(n int) Builder {
	b.maxReqsPerCycle = n
	return b
}

// WithAccessLatency sets the cycles added to ordinary outgoing events.
func (b Builder) WithAccessLatency(n int) Builder {
	b.accessLatency = n
	return b
}

// WithMSHRLatency sets the cycles added to directory-entry fill/spill
// traffic.
func (b Builder) WithMSHRLatency(n int) Builder {
	b.mshrLatency = n
	return b
}

// WithRegion sets the address range this directory owns.
func (b Builder) WithRegion(r Region) Builder {
	b.region = r
	return b
}

// WithMemAddrStart sets the offset subtracted before memory-side routing.
func (b Builder) WithMemAddrStart(addr uint64) Builder {
	b.memAddrStart = addr
	return b
}

// WithMinPacketSize sets the minimum event payload size in bytes.
func (b Builder) WithMinPacketSize(n uint64) Builder {
	b.minPacketSize = n
	return b
}

// WithLogLevel sets the verbosity of directory/logging.go's logger.
func (b Builder) WithLogLevel(l LogLevel) Builder {
	b.logLevel = l
	return b
}

// WithDebugAddrs names addresses that always log regardless of LogLevel.
func (b Builder) WithDebugAddrs(addrs ...uint64) Builder {
	b.debugAddrs = addrs
	return b
}

// WithRandSeed seeds the controller's math/rand/v2 generator. The arbiter
// does not draw from it; it takes events in buffer order.
func (b Builder) WithRandSeed(seed int64) Builder {
	b.randSeed = seed
	return b
}

// WithMemAddressMapper sets how the mem-side link resolves routing
// addresses to a destination (spec.md §4.5).
func (b Builder) WithMemAddressMapper(m portmap.AddressToPortMapper) Builder {
	b.memMapper = m
	return b
}

// WithDeprecatedParam records that a retired configuration key was
// supplied, so Build can raise the fatal configuration error of spec.md §7
// kind 5 rather than silently ignoring it.
func (b Builder) WithDeprecatedParam(name string) Builder {
	return b.markSet(name)
}

func (b Builder) assertAllRequiredInformationIsAvailable() {
	if b.engine == nil {
		panic("engine is not specified")
	}

	if b.memMapper == nil {
		panic("mem address mapper is not specified")
	}
}

func (b Builder) checkDeprecatedParams() error {
	for name := range b.setParams {
		if deprecatedParams[name] {
			return &FatalError{
				Kind:    KindConfiguration,
				Message: "deprecated parameter present: " + name,
			}
		}
	}

	return nil
}

// Build constructs the Comp. It panics with a *FatalError for any
// configuration violation caught at construction time (spec.md §7 kind 5):
// a deprecated parameter, or a region/interleave mismatch.
func (b Builder) Build(name string) *Comp {
	b.assertAllRequiredInformationIsAvailable()

	if err := b.checkDeprecatedParams(); err != nil {
		panic(err)
	}

	cfg := Config{
		Name:            name,
		Freq:            b.freq,
		CacheLineSize:   b.cacheLineSize,
		Protocol:        b.protocol,
		MSHRNumEntries:  b.mshrNumEntries,
		EntryCacheSize:  b.entryCacheSize,
		MaxReqsPerCycle: b.maxReqsPerCycle,
		AccessLatency:   b.accessLatency,
		MSHRLatency:     b.mshrLatency,
		Region:          b.region,
		MemAddrStart:    b.memAddrStart,
		MinPacketSize:   b.minPacketSize,
		LogLevel:        b.logLevel,
		DebugAddrs:      b.debugAddrs,
		RandSeed:        b.randSeed,
	}

	if err := cfg.Validate(); err != nil {
		panic(&FatalError{Kind: KindConfiguration, Message: err.Error()})
	}

	c := &Comp{
		ports:           make(map[string]sim.Port),
		cfg:             cfg,
		log:             newLogger(name, b.logLevel, b.debugAddrs),
		stats:           NewStats(),
		store:           NewStore(b.entryCacheSize),
		mshr:            NewMSHR(cfg.mshrCapacity()),
		rng:             rand.New(rand.NewPCG(uint64(b.randSeed), uint64(b.randSeed)+1)),
		incoherentSrc:   make(map[string]bool),
		waitWBAck:       make(map[string]bool),
		noncacheMemReqs: make(map[string]sim.RemotePort),
		startTimes:      make(map[string]sim.VTimeInSec),
	}

	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.cpuPort = sim.NewPort(c, 4, 4, name+".CPUPort")
	c.AddPort("CPU", c.cpuPort)
	c.memPort = sim.NewPort(c, 4, 4, name+".MemPort")
	c.AddPort("Mem", c.memPort)

	c.router = newRouter(c.cpuPort, c.memPort, b.memMapper,
		sim.VTimeInSec(b.accessLatency)*sim.VTimeInSec(b.freq.Period()),
		sim.VTimeInSec(b.mshrLatency)*sim.VTimeInSec(b.freq.Period()))

	return c
}
