package errcount

import (
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

// scripted returns queued values from Load and then repeats the last one.
type scripted struct {
	loads  []uint32
	last   uint32
	reads  int
	stores []uint32
}

func (r *scripted) Load() uint32 {
	r.reads++
	if len(r.loads) > 0 {
		r.last, r.loads = r.loads[0], r.loads[1:]
	}
	return r.last
}

func (r *scripted) Store(v uint32) { r.stores = append(r.stores, v) }

type countingPreemption struct{ disabled, restored int }

func (p *countingPreemption) Disable() func() {
	p.disabled++
	return func() { p.restored++ }
}

func pack(phy, link uint16) uint32 { return uint32(phy)<<16 | uint32(link) }

func TestSampleRequiresSuperSpeed(t *testing.T) {
	for _, speed := range []usb.Speed{usb.SpeedLow, usb.SpeedFull, usb.SpeedHigh, usb.SpeedUnknown} {
		reg := &scripted{}
		s := New(reg, nil)
		if _, err := s.Sample(speed); !errors.Is(err, ErrNotSuperSpeed) {
			t.Errorf("Sample(%s) err = %v, want ErrNotSuperSpeed", speed, err)
		}
		if reg.reads != 0 || len(reg.stores) != 0 {
			t.Errorf("Sample(%s) touched the register (%d reads, %d stores)", speed, reg.reads, len(reg.stores))
		}
	}
}

func TestSampleDeltas(t *testing.T) {
	cases := []struct {
		name string
		prev uint32
		cur  uint32
		want Delta
	}{
		{"growth", pack(3, 10), pack(5, 12), Delta{Phy: 2, Link: 2}},
		{"unchanged", pack(7, 7), pack(7, 7), Delta{}},
		{"external clear counts from zero", pack(0xFFF0, 0xFFF0), pack(0x0005, 0x0005), Delta{Phy: 0x0005, Link: 0x0005}},
		{"one field cleared", pack(0x0010, 0x0100), pack(0x0002, 0x0180), Delta{Phy: 0x0002, Link: 0x0080}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &scripted{loads: []uint32{tc.prev, tc.prev, tc.prev}}
			s := New(reg, nil)
			if _, err := s.Sample(usb.SpeedSuper); err != nil {
				t.Fatal(err)
			}
			reg.loads = []uint32{tc.cur, tc.cur, tc.cur}
			got, err := s.Sample(usb.SpeedSuper)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("delta = %+v, want %+v", got, tc.want)
			}
			if snap := s.Snapshot(); snap.Previous != tc.prev || snap.Current != tc.cur {
				t.Errorf("snapshot = %+v", snap)
			}
		})
	}
}

func TestConsensusFallback(t *testing.T) {
	torn := pack(0x0001, 0xFFFF) // half-updated read
	good := pack(0x0002, 0x0000)
	other := pack(0x0003, 0x0001)

	cases := []struct {
		name      string
		loads     []uint32
		want      uint32
		wantMiss  bool
		wantDelta Delta
	}{
		{"first pair agrees", []uint32{torn, good, good, good, good, other}, good, false, Delta{Phy: 2}},
		{"last pair agrees", []uint32{good, torn, good, torn, good, good}, good, false, Delta{Phy: 2}},
		{"no pair agrees", []uint32{good, torn, other, good, torn, other}, 0, true, Delta{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &scripted{loads: tc.loads}
			pre := &countingPreemption{}
			s := New(reg, pre)
			got, err := s.Sample(usb.SpeedSuper)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.wantDelta {
				t.Errorf("delta = %+v, want %+v", got, tc.wantDelta)
			}
			if s.Snapshot().Current != tc.want {
				t.Errorf("current = 0x%08X, want 0x%08X", s.Snapshot().Current, tc.want)
			}
			if reg.reads != 6 {
				t.Errorf("reads = %d, want 6", reg.reads)
			}
			if pre.disabled != 1 || pre.restored != 1 {
				t.Errorf("preemption disabled %d restored %d, want 1/1", pre.disabled, pre.restored)
			}
			if (s.Misses == 1) != tc.wantMiss {
				t.Errorf("misses = %d", s.Misses)
			}
		})
	}
}

func TestNoConsensusKeepsSnapshot(t *testing.T) {
	base := pack(10, 20)
	reg := &scripted{loads: []uint32{base, base, base}}
	s := New(reg, nil)
	if _, err := s.Sample(usb.SpeedSuper); err != nil {
		t.Fatal(err)
	}

	reg.loads = []uint32{pack(11, 20), pack(12, 20), pack(13, 20), pack(14, 20), pack(15, 20), pack(16, 20)}
	d, err := s.Sample(usb.SpeedSuper)
	if err != nil {
		t.Fatal(err)
	}
	if d != (Delta{}) {
		t.Errorf("delta = %+v, want zero", d)
	}
	if got := s.Snapshot(); got.Current != base || got.Previous != base {
		t.Errorf("snapshot = %+v, want both 0x%08X", got, base)
	}
}

func TestSaturationClears(t *testing.T) {
	cases := []struct {
		name  string
		value uint32
		clear bool
	}{
		{"phy saturated", pack(0xFFFF, 1), true},
		{"link saturated", pack(1, 0xFFFF), true},
		{"both below", pack(0xFFFE, 0xFFFE), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := &scripted{loads: []uint32{tc.value, tc.value, tc.value}}
			s := New(reg, nil)
			if _, err := s.Sample(usb.SpeedSuper); err != nil {
				t.Fatal(err)
			}
			cleared := len(reg.stores) == 1 && reg.stores[0] == 0
			if cleared != tc.clear {
				t.Errorf("stores = %v, want clear=%v", reg.stores, tc.clear)
			}
		})
	}
}

func TestRawIsSingleLoad(t *testing.T) {
	reg := &scripted{loads: []uint32{0xCAFE0001}}
	s := New(reg, nil)
	if got := s.Raw(); got != 0xCAFE0001 || reg.reads != 1 {
		t.Errorf("Raw() = 0x%08X after %d reads", got, reg.reads)
	}
}
