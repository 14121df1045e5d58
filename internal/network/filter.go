package network

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

const (
	etherTypeOffset = 12
	keepAll         = 0xffff
)

// CaptureFilter returns a classic BPF program that keeps IPv4, IPv6 and
// ARP frames on ethernet links and every packet on IP-only links.
func CaptureFilter(lt layers.LinkType) ([]pcap.BPFInstruction, error) {
	prog, err := filterProgram(lt)
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("assemble capture filter: %w", err)
	}
	out := make([]pcap.BPFInstruction, len(raw))
	for i, ins := range raw {
		out[i] = pcap.BPFInstruction{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return out, nil
}

func filterProgram(lt layers.LinkType) ([]bpf.Instruction, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: etherTypeOffset, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.EthernetTypeIPv4), SkipTrue: 3},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.EthernetTypeIPv6), SkipTrue: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.EthernetTypeARP), SkipTrue: 1},
			bpf.RetConstant{Val: 0},
			bpf.RetConstant{Val: keepAll},
		}, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6, layers.LinkTypeNull, layers.LinkTypeLoop:
		return []bpf.Instruction{bpf.RetConstant{Val: keepAll}}, nil
	}
	return nil, fmt.Errorf("unsupported link type %s", lt)
}
