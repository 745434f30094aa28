package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestNewRingValidation(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		payload  int
		wantErr  bool
		wantCap  int
	}{
		{name: "zero capacity", capacity: 0, payload: 0, wantErr: true},
		{name: "negative capacity", capacity: -1, payload: 0, wantErr: true},
		{name: "above ceiling", capacity: RingMaxCapacity + 1, payload: 0, wantErr: true},
		{name: "negative payload size", capacity: 8, payload: -1, wantErr: true},
		{name: "exact power of two", capacity: 8, payload: 0, wantCap: 8},
		{name: "rounds up", capacity: 5, payload: 0, wantCap: 8},
		{name: "one", capacity: 1, payload: 0, wantCap: 1},
		{name: "ceiling", capacity: RingMaxCapacity, payload: 0, wantCap: RingMaxCapacity},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRing(tt.capacity, tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("NewRing() error = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRing() error = %v", err)
			}
			if r.Capacity() != tt.wantCap {
				t.Errorf("Capacity() = %d, want %d", r.Capacity(), tt.wantCap)
			}
		})
	}
}

func TestRingWrapAroundFIFO(t *testing.T) {
	r, err := NewRing(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	for _, b := range []byte{0x01, 0x02, 0x03, 0x04} {
		if _, err := r.Write([]byte{b}, uint64(b), 0, 0); err != nil {
			t.Fatalf("write %#x: %v", b, err)
		}
	}

	var got []byte
	for i := 0; i < 3; i++ {
		slot, err := r.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, slot.Payload()[0])
	}
	for _, b := range []byte{0x05, 0x06, 0x07} {
		if _, err := r.Write([]byte{b}, uint64(b), 0, 0); err != nil {
			t.Fatalf("write %#x: %v", b, err)
		}
	}
	for i := 0; i < 4; i++ {
		slot, err := r.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, slot.Payload()[0])
	}

	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	if !bytes.Equal(got, want) {
		t.Errorf("read order = %v, want %v", got, want)
	}
}

func TestRingFullEmptySignalling(t *testing.T) {
	r, err := NewRing(2, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	if _, err := r.Write([]byte("A"), 1, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("B"), 2, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("C"), 3, 0, 0); !errors.Is(err, ErrRingFull) {
		t.Fatalf("third write error = %v, want ErrRingFull", err)
	}

	slot, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(slot.Payload()) != "A" {
		t.Errorf("first read = %q, want A", slot.Payload())
	}

	if _, err := r.Write([]byte("C"), 3, 0, 0); err != nil {
		t.Fatalf("write after drain: %v", err)
	}

	for _, want := range []string{"B", "C"} {
		slot, err := r.Read()
		if err != nil {
			t.Fatal(err)
		}
		if string(slot.Payload()) != want {
			t.Errorf("read = %q, want %q", slot.Payload(), want)
		}
	}
	if _, err := r.Read(); !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("read on empty ring error = %v, want ErrRingEmpty", err)
	}
}

func TestRingCapacityInvariant(t *testing.T) {
	r, err := NewRing(8, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	// Interleave writes and reads; occupancy must stay within bounds.
	payload := []byte{0xEE}
	for round := 0; round < 100; round++ {
		for i := 0; i < round%9; i++ {
			_, _ = r.Write(payload, 0, 0, 0)
			if occ := r.Occupancy(); occ < 0 || occ > r.Capacity() {
				t.Fatalf("occupancy %d out of [0,%d]", occ, r.Capacity())
			}
		}
		for i := 0; i < round%5; i++ {
			_, _ = r.Read()
			if occ := r.Occupancy(); occ < 0 || occ > r.Capacity() {
				t.Fatalf("occupancy %d out of [0,%d]", occ, r.Capacity())
			}
		}
	}
}

func TestRingGenerationWrap(t *testing.T) {
	r, err := NewRing(4, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	// Park both cursors just below the wrap threshold and run more than
	// two full revolutions across it.
	start := r.wrapLimit - 3
	r.forceCursors(start, 7, start, 7)

	total := 2*r.Capacity() + 5
	for i := 0; i < total; i++ {
		want := []byte{byte(i), byte(i >> 8)}
		if _, err := r.Write(want, uint64(i), 0, 0); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if occ := r.Occupancy(); occ != 1 {
			t.Fatalf("occupancy after write %d = %d, want 1", i, occ)
		}
		slot, err := r.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(slot.Payload(), want) {
			t.Fatalf("payload %d = %v, want %v", i, slot.Payload(), want)
		}
		if occ := r.Occupancy(); occ != 0 {
			t.Fatalf("occupancy after read %d = %d, want 0", i, occ)
		}
	}

	if r.writeSeq.Load() != 8 {
		t.Errorf("write generation = %d, want 8", r.writeSeq.Load())
	}
	if r.readSeq.Load() != 8 {
		t.Errorf("read generation = %d, want 8", r.readSeq.Load())
	}
}

func TestRingGenerationWrapWhileOccupied(t *testing.T) {
	r, err := NewRing(4, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	start := r.wrapLimit - 2
	r.forceCursors(start, 0, start, 0)

	// Fill completely so the writer crosses the threshold while the
	// reader is still in the previous generation.
	for i := 0; i < 4; i++ {
		if _, err := r.Write([]byte{byte(0x10 + i)}, 0, 0, 0); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if _, err := r.Write([]byte{0xFF}, 0, 0, 0); !errors.Is(err, ErrRingFull) {
		t.Fatalf("overfull write error = %v, want ErrRingFull", err)
	}
	if occ := r.Occupancy(); occ != 4 {
		t.Fatalf("occupancy = %d, want 4", occ)
	}
	if r.writeSeq.Load() == r.readSeq.Load() {
		t.Fatal("expected writer to be a generation ahead of reader")
	}

	for i := 0; i < 4; i++ {
		slot, err := r.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if slot.Payload()[0] != byte(0x10+i) {
			t.Errorf("read %d = %#x, want %#x", i, slot.Payload()[0], 0x10+i)
		}
	}
	if r.writeSeq.Load() != r.readSeq.Load() {
		t.Error("generations did not converge after drain")
	}
}

func TestRingMetaRoundTrip(t *testing.T) {
	r, err := NewRing(4, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if _, err := r.Write(payload, 123456789, FlagCrypto|FlagEndOfBurst, 2); err != nil {
		t.Fatal(err)
	}
	slot, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	meta := slot.MetaRef()
	if meta.TimestampNs != 123456789 {
		t.Errorf("TimestampNs = %d, want 123456789", meta.TimestampNs)
	}
	if meta.Length != uint32(len(payload)) {
		t.Errorf("Length = %d, want %d", meta.Length, len(payload))
	}
	if meta.Flags != FlagCrypto|FlagEndOfBurst {
		t.Errorf("Flags = %#x, want %#x", meta.Flags, FlagCrypto|FlagEndOfBurst)
	}
	if meta.Queue != 2 {
		t.Errorf("Queue = %d, want 2", meta.Queue)
	}
	if !bytes.Equal(slot.Payload(), payload) {
		t.Errorf("payload = %v, want %v", slot.Payload(), payload)
	}
}

func TestRingOversizedPayloadOwned(t *testing.T) {
	r, err := NewRing(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	big := bytes.Repeat([]byte{0x55}, 100)
	slot, err := r.Write(big, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !slot.owned {
		t.Error("oversized payload should be slot-owned, not slab-backed")
	}
	small := []byte{1, 2}
	slot, err = r.Write(small, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if slot.owned {
		t.Error("small payload should live in the slab")
	}
}

func TestRingDestroyIdempotent(t *testing.T) {
	r, err := NewRing(4, 16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte{1}, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	r.Destroy()
	r.Destroy()
	if _, err := r.Write([]byte{1}, 0, 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("write after destroy error = %v, want ErrClosed", err)
	}
	if _, err := r.Read(); !errors.Is(err, ErrClosed) {
		t.Errorf("read after destroy error = %v, want ErrClosed", err)
	}
}

func TestRingProducerConsumerThreads(t *testing.T) {
	r, err := NewRing(64, 32)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	const packets = 10000
	done := make(chan error, 1)

	go func() {
		for i := 0; i < packets; {
			p := []byte(fmt.Sprintf("%08d", i))
			if _, err := r.Write(p, uint64(i), 0, 0); err != nil {
				if errors.Is(err, ErrRingFull) {
					continue
				}
				done <- err
				return
			}
			i++
		}
		done <- nil
	}()

	for i := 0; i < packets; {
		slot, err := r.Read()
		if err != nil {
			if errors.Is(err, ErrRingEmpty) {
				continue
			}
			t.Fatal(err)
		}
		want := fmt.Sprintf("%08d", i)
		if string(slot.Payload()) != want {
			t.Fatalf("packet %d = %q, want %q", i, slot.Payload(), want)
		}
		i++
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
