package directory

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dirsim/mem/proto"
)

var _ = ginkgo.Describe("MSHR", func() {
	var m *MSHR

	ginkgo.BeforeEach(func() {
		m = NewMSHR(2)
	})

	ginkgo.It("should report a brand new line as not existing", func() {
		Expect(m.Exists(0x100)).To(BeFalse())
	})

	ginkgo.It("should insert a request and report it as the front event", func() {
		req := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(0x100).Build()
		m.Insert(0x100, req)

		Expect(m.Exists(0x100)).To(BeTrue())
		Expect(m.FrontEvent(0x100)).To(BeIdenticalTo(req))
		Expect(m.FrontType(0x100)).To(Equal(proto.GetS))
	})

	ginkgo.It("should stack a second request behind the first without a new slot", func() {
		first := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(0x100).Build()
		second := proto.Builder{}.WithCmd(proto.GetX).WithBaseAddr(0x100).Build()

		m.Insert(0x100, first)
		m.Insert(0x100, second)

		Expect(m.FrontEvent(0x100)).To(BeIdenticalTo(first))
		Expect(m.NumLines()).To(Equal(1))

		m.RemoveFront(0x100)
		Expect(m.FrontEvent(0x100)).To(BeIdenticalTo(second))
	})

	ginkgo.It("should report full once capacity distinct lines are occupied", func() {
		m.Insert(0x0, proto.Builder{}.WithCmd(proto.GetS).Build())
		m.Insert(0x40, proto.Builder{}.WithCmd(proto.GetS).Build())

		Expect(m.Full(0x80)).To(BeTrue())
		Expect(m.Full(0x0)).To(BeFalse(), "stacking behind an existing line never counts as full")
	})

	ginkgo.It("should never report full when capacity is 0 (unbounded)", func() {
		unbounded := NewMSHR(0)
		for i := uint64(0); i < 50; i++ {
			unbounded.Insert(i*64, proto.Builder{}.WithCmd(proto.GetS).Build())
		}

		Expect(unbounded.Full(50 * 64)).To(BeFalse())
	})

	ginkgo.It("should place a writeback ahead of a stacked demand request", func() {
		demand := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(0x100).Build()
		wb := proto.Builder{}.WithCmd(proto.PutM).WithBaseAddr(0x100).Build()

		m.Insert(0x100, demand)
		m.InsertWriteback(0x100, wb)

		Expect(m.FrontEvent(0x100)).To(BeIdenticalTo(wb))
	})

	ginkgo.It("should track in-progress, forwarded and ack-count state on the front entry", func() {
		req := proto.Builder{}.WithCmd(proto.GetX).WithBaseAddr(0x100).Build()
		m.Insert(0x100, req)

		m.SetInProgress(0x100, true)
		m.SetForwarded(0x100, true)
		m.IncAcksNeeded(0x100, 2)
		m.IncAcksNeeded(0x100, -1)

		Expect(m.InProgress(0x100)).To(BeTrue())
		Expect(m.Forwarded(0x100)).To(BeTrue())
		Expect(m.AcksNeeded(0x100)).To(Equal(1))
	})

	ginkgo.It("should delete the line once its queue empties", func() {
		req := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(0x100).Build()
		m.Insert(0x100, req)

		m.RemoveFront(0x100)

		Expect(m.Exists(0x100)).To(BeFalse())
		Expect(m.NumLines()).To(Equal(0))
	})

	ginkgo.It("should buffer and clear response data for a line", func() {
		req := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(0x100).Build()
		m.Insert(0x100, req)

		m.SetData(0x100, []byte{1, 2, 3, 4}, true)

		data, ok := m.Data(0x100)
		Expect(ok).To(BeTrue())
		Expect(data).To(Equal([]byte{1, 2, 3, 4}))
		Expect(m.DataDirty(0x100)).To(BeTrue())

		m.ClearData(0x100)

		_, ok = m.Data(0x100)
		Expect(ok).To(BeFalse())
	})
})
