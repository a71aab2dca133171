package capture

import (
	"fmt"

	"golang.org/x/net/bpf"
)

const (
	etherTypeIPv4  = 0x0800
	etherTypeDot1Q = 0x8100
)

// ipOnly is the classic BPF program for the "ip" filter expression: accept
// Ethernet frames whose EtherType is IPv4, directly or behind one 802.1Q tag.
var ipOnly = []bpf.Instruction{
	bpf.LoadAbsolute{Off: 12, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 3},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeDot1Q, SkipFalse: 3},
	// Inner EtherType of a tagged frame.
	bpf.LoadAbsolute{Off: 16, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 1},
	bpf.RetConstant{Val: 0x40000},
	bpf.RetConstant{Val: 0},
}

// IPFilter returns the assembled "ip" filter for attaching to a socket.
func IPFilter() ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(ipOnly)
	if err != nil {
		return nil, fmt.Errorf("assembling ip filter: %w", err)
	}
	return raw, nil
}

// matcher runs the filter in user space for sources without kernel filtering.
type matcher struct {
	vm *bpf.VM
}

func newMatcher() (*matcher, error) {
	vm, err := bpf.NewVM(ipOnly)
	if err != nil {
		return nil, fmt.Errorf("loading ip filter: %w", err)
	}
	return &matcher{vm: vm}, nil
}

func (m *matcher) match(frame []byte) bool {
	n, err := m.vm.Run(frame)
	return err == nil && n > 0
}
