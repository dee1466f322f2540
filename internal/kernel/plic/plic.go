// Package plic is the thin external-collaborator boundary spec.md §1 places
// out of scope: "PLIC bit-twiddling primitives" (priority/threshold/pending
// bitmap register pokes) belong to a collaborator this repository doesn't
// implement. What the trap dispatcher (C7) actually needs from the PLIC is
// just the claim/complete contract spec.md §4.5's external-interrupt case
// calls through, grounded on the shape of original_source/plic.rs's
// next()/complete() and the teacher's internal/hv/riscv/rv64/plic.go.
package plic

// Source identifies which MMIO-mapped device raised the external interrupt
// this hart just trapped on, as read from the claim register.
type Source uint32

// Known source IDs this kernel's trap dispatcher routes on. A real PLIC
// collaborator would derive these from the device tree; they're fixed here
// because this kernel's device set is fixed (spec.md §1).
const (
	SourceNone   Source = 0
	SourceUART   Source = 10
	SourceVirtIO Source = 1
)

// Controller is the collaborator contract: Claim reads the claim register
// (returning SourceNone if nothing is pending) and Complete acknowledges a
// source once its handler has run. Priority/threshold/enable-bitmap
// programming is the collaborator's problem, not this kernel core's.
type Controller interface {
	Claim() Source
	Complete(src Source)
}

// staticController is a hosted-test-harness stand-in for the real
// memory-mapped PLIC: a test or cmd/kernel caller pushes a pending source
// with Raise, and Claim/Complete behave like the real register pair
// (claiming clears pending; completing is a no-op acknowledgement with no
// further observable effect at this level of abstraction).
type staticController struct {
	pending []Source
}

// NewStatic returns a Controller that can be driven directly by tests or by
// cmd/kernel's interrupt-polling loop, in place of real PLIC MMIO registers.
func NewStatic() Controller { return &staticController{} }

func (c *staticController) Raise(src Source) { c.pending = append(c.pending, src) }

func (c *staticController) Claim() Source {
	if len(c.pending) == 0 {
		return SourceNone
	}
	src := c.pending[0]
	c.pending = c.pending[1:]
	return src
}

func (c *staticController) Complete(Source) {}

// Raiser lets callers outside this package (cmd/kernel's poller, tests) push
// a pending interrupt into a Controller built by NewStatic without a type
// assertion leaking the unexported concrete type.
type Raiser interface {
	Raise(src Source)
}

// NewStaticRaiser is NewStatic but returns the narrower interface a
// producer (the thing feeding interrupts in) needs, keeping Controller
// itself a pure consumer-side contract.
func NewStaticRaiser() (Controller, Raiser) {
	c := &staticController{}
	return c, c
}
