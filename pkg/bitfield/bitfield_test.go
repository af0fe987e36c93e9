package bitfield

import "testing"

func TestSetGetIdentity(t *testing.T) {
	b := New()
	for i := 0; i < 2000; i += 7 {
		b.Set(i, true)
	}
	for i := 0; i < 2000; i += 7 {
		if !b.Get(i) {
			t.Fatalf("Get(%d) = false, want true", i)
		}
	}
	for i := 1; i < 2000; i += 7 {
		if b.Get(i) {
			t.Fatalf("Get(%d) = true, want false", i)
		}
	}
}

func TestGetOutOfRangeDoesNotGrow(t *testing.T) {
	b := New()
	if b.Get(1000) {
		t.Fatalf("Get on empty bitfield returned true")
	}
	if len(b.Bytes()) != 0 {
		t.Fatalf("Get grew storage: len=%d", len(b.Bytes()))
	}
}

func TestS2BitPattern(t *testing.T) {
	b := New()
	b.Set(1, true)
	b.Set(0, true)
	b.Set(3, true)
	if b.Bytes()[0] != 0b00001011 {
		t.Fatalf("bytes[0] = %08b, want 00001011", b.Bytes()[0])
	}

	b.Set(3, false)
	if b.Bytes()[0] != 0b00000011 {
		t.Fatalf("bytes[0] = %08b, want 00000011", b.Bytes()[0])
	}

	b.Set(145, true)
	if b.Bytes()[145/8] != 0b00000010 {
		t.Fatalf("bytes[145/8] = %08b, want 00000010", b.Bytes()[145/8])
	}
	if !b.Get(145) {
		t.Fatalf("Get(145) = false, want true")
	}
	if b.Get(144) {
		t.Fatalf("Get(144) = true, want false")
	}
}

func TestFromBytesBytesIdentity(t *testing.T) {
	raw := []byte{0x01, 0xff, 0x00}
	b := FromBytes(raw)
	if len(b.Bytes()) != len(raw) {
		t.Fatalf("Bytes() length mismatch")
	}
	for i, v := range raw {
		if b.Bytes()[i] != v {
			t.Fatalf("Bytes()[%d] = %x, want %x", i, b.Bytes()[i], v)
		}
	}
}

func TestAll(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		if i == 3 || i == 7 {
			continue
		}
		b.Set(i, true)
	}
	if b.All(10) {
		t.Fatalf("All(10) = true, want false (bits 3,7 unset)")
	}
	b.Set(3, true)
	b.Set(7, true)
	if !b.All(10) {
		t.Fatalf("All(10) = false, want true")
	}
}

func TestEqualityIsLiteralByteComparison(t *testing.T) {
	short := FromBytes([]byte{0b00000001})
	long := FromBytes([]byte{0b00000001, 0x00})
	if len(short.Bytes()) == len(long.Bytes()) {
		t.Fatalf("expected different storage lengths for this test")
	}
	if !short.Get(0) || !long.Get(0) {
		t.Fatalf("logical contents should agree on bit 0")
	}
	if long.Get(8) {
		t.Fatalf("trailing byte should be zero")
	}
}
