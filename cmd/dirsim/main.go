// Command dirsim runs a small scripted simulation of one directory
// controller mediating between a CPU-side requester and a memory-side
// responder, wired together with sim.DirectConnection.
//
// Grounded on sarchlab-akita/sim/examples/ping's "build an engine, wire two
// components, engine.Run()" shape.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sarchlab/dirsim/directory"
	"github.com/sarchlab/dirsim/mem/portmap"
	"github.com/sarchlab/dirsim/mem/proto"
	"github.com/sarchlab/dirsim/sim"
)

var (
	protocolFlag string
	numRequests  int
)

func main() {
	_ = godotenv.Load() // optional .env into the environment; no setting below reads it, missing file is fine

	root := &cobra.Command{
		Use:   "dirsim",
		Short: "dirsim runs a scripted cache-coherence directory simulation",
		RunE:  run,
	}

	root.Flags().StringVar(&protocolFlag, "protocol", "MESI", "coherence protocol: MESI or MSI")
	root.Flags().IntVar(&numRequests, "requests", 4, "number of scripted requests the CPU agent issues")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	protocol := directory.MESI
	if protocolFlag == "MSI" {
		protocol = directory.MSI
	}

	engine := sim.NewSerialEngine()

	mapper := &portmap.SinglePortMapper{Port: "Mem.Port"}

	dir := directory.MakeBuilder().
		WithEngine(engine).
		WithFreq(1 * sim.GHz).
		WithProtocol(protocol).
		WithRegion(directory.Region{Start: 0, End: 1 << 30}).
		WithMemAddressMapper(mapper).
		Build("Dir")

	mem := newMemAgent("Mem", engine, 1*sim.GHz)

	script := make([]scriptedReq, numRequests)
	for i := range script {
		script[i] = scriptedReq{cmd: proto.GetS, addr: uint64(i%2) * 64}
	}

	cpu := newCPUAgent("CPU", engine, 1*sim.GHz, "Dir.CPUPort", script)

	conn := sim.NewDirectConnection("Conn", engine, 1*sim.GHz)
	conn.PlugIn(cpu.GetPortByName("Port"))
	conn.PlugIn(dir.GetPortByName("CPU"))

	memConn := sim.NewDirectConnection("MemConn", engine, 1*sim.GHz)
	memConn.PlugIn(mem.GetPortByName("Port"))
	memConn.PlugIn(dir.GetPortByName("Mem"))

	dir.Init([]directory.EndpointInfo{
		{Name: "CPU.Port", IsCPUSide: true, TracksPresence: true},
		{Name: "Mem.Port", IsCPUSide: false},
	}, nil)

	cpu.TickNow()
	mem.TickNow()

	return engine.Run()
}
