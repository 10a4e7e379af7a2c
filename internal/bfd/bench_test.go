package bfd_test

import (
	"testing"

	"github.com/bfdproject/gobfd/internal/bfd"
)

func benchPacket() *bfd.ControlPacket {
	return &bfd.ControlPacket{
		Version:               bfd.Version,
		Diag:                  bfd.DiagNone,
		State:                 bfd.StateUp,
		DetectMult:            3,
		MyDiscriminator:       0xDEADBEEF,
		YourDiscriminator:     0xCAFEBABE,
		DesiredMinTxInterval:  100_000,
		RequiredMinRxInterval: 100_000,
	}
}

func BenchmarkControlPacketMarshal(b *testing.B) {
	pkt := benchPacket()
	buf := make([]byte, bfd.MaxPacketSize)

	b.ReportAllocs()
	for b.Loop() {
		_, _ = bfd.MarshalControlPacket(pkt, buf)
	}
}

func BenchmarkControlPacketUnmarshal(b *testing.B) {
	pkt := benchPacket()
	buf := make([]byte, bfd.MaxPacketSize)
	n, err := bfd.MarshalControlPacket(pkt, buf)
	if err != nil {
		b.Fatal(err)
	}
	wire := buf[:n]

	var out bfd.ControlPacket
	b.ReportAllocs()
	for b.Loop() {
		_ = bfd.UnmarshalControlPacket(wire, &out)
	}
}

func BenchmarkControlPacketRoundTrip(b *testing.B) {
	pkt := benchPacket()
	buf := make([]byte, bfd.MaxPacketSize)
	var out bfd.ControlPacket

	b.ReportAllocs()
	for b.Loop() {
		n, err := bfd.MarshalControlPacket(pkt, buf)
		if err != nil {
			b.Fatal(err)
		}
		if err := bfd.UnmarshalControlPacket(buf[:n], &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPacketPoolGetPut(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		buf := bfd.PacketPool.Get().(*[]byte)
		bfd.PacketPool.Put(buf)
	}
}
