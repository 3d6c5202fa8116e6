package uapi

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/abi/linux"
)

func TestCommandEncoding(t *testing.T) {
	cmds := map[string]struct {
		cmd  uint32
		nr   uint32
		size uint32
	}{
		"start_transfer": {StartTransfer, NrStartTransfer, SizeofStartRequest},
		"map_buffer":     {MapBuffer, NrMapBuffer, SizeofMapBuffer},
		"unmap_buffer":   {UnmapBuffer, NrUnmapBuffer, SizeofUnmap},
		"map_page":       {MapPage, NrMapPage, SizeofMapPage},
		"unmap_page":     {UnmapPage, NrUnmapPage, SizeofUnmap},
	}
	for name, c := range cmds {
		if got := linux.IOC_NR(c.cmd); got != c.nr {
			t.Fatalf("%s: nr %d, want %d", name, got, c.nr)
		}
		if got := linux.IOC_SIZE(c.cmd); got != c.size {
			t.Fatalf("%s: size %d, want %d", name, got, c.size)
		}
		if got := CommandName(c.cmd); got != name {
			t.Fatalf("CommandName(%#x) = %q, want %q", c.cmd, got, name)
		}
	}
	if CommandName(0xdead) != "unknown" {
		t.Fatalf("expected unknown command name")
	}
}

func TestStartRequestLayout(t *testing.T) {
	req := StartRequest{FileDesc: -1, VectorLength: 3, VectorElems: 0x1000}
	buf := make([]byte, req.SizeBytes())
	if rest := req.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("marshal left %d bytes", len(rest))
	}
	want := []byte{
		0xff, 0xff, 0xff, 0xff,
		3, 0, 0, 0,
		0, 0x10, 0, 0, 0, 0, 0, 0,
	}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("unexpected layout (-want +got):\n%s", diff)
	}
}

func TestVectorDecodeStopsOnShortInput(t *testing.T) {
	vec := []TransferVector{
		{Handle: 1, Offset: 0, Length: 4096, DeviceOffset: 8192, Flags: FlagWrite},
		{Handle: 2, Offset: 4096, Length: 512},
	}
	raw := MarshalVector(vec)
	if len(raw) != 2*SizeofTransferVector {
		t.Fatalf("unexpected vector size %d", len(raw))
	}

	got := make([]TransferVector, 3)
	UnmarshalVector(got, raw)
	if diff := cmp.Diff(append(vec, TransferVector{}), got); diff != "" {
		t.Fatalf("unexpected vector (-want +got):\n%s", diff)
	}
}

func TestHandleLayoutCountIsAuthoritative(t *testing.T) {
	h := HandleHeader{Handle: 7, Device: HostDevice, VirtAddr: 0x7f0000000000, RangeSize: 12288, PageSize: 4096, UnitSize: 4096}
	addrs := []uint64{0x1000, 0x5000, 0x9000}
	raw := MarshalHandle(h, addrs)
	if len(raw) != SizeofHandleHeader+3*8 {
		t.Fatalf("unexpected encoded size %d", len(raw))
	}

	gotHeader, gotAddrs, err := UnmarshalHandle(raw)
	if err != nil {
		t.Fatalf("UnmarshalHandle: %v", err)
	}
	h.NAddrs = 3
	if diff := cmp.Diff(h, gotHeader); diff != "" {
		t.Fatalf("unexpected header (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(addrs, gotAddrs); diff != "" {
		t.Fatalf("unexpected addresses (-want +got):\n%s", diff)
	}

	if _, _, err := UnmarshalHandle(raw[:len(raw)-8]); !errors.Is(err, EINVAL) {
		t.Fatalf("expected EINVAL for truncated addresses, got %v", err)
	}
	if _, _, err := UnmarshalHandle(raw[:10]); !errors.Is(err, EINVAL) {
		t.Fatalf("expected EINVAL for truncated header, got %v", err)
	}
}
