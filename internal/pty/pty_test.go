package pty

import "testing"

func TestBufferReadOffsetInvariant(t *testing.T) {
	b := newBuffer()
	b.append([]byte("hello"))

	data, offset, eof := b.readFrom(0)
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
	if offset != 5 || eof {
		t.Fatalf("unexpected offset/eof: %d %v", offset, eof)
	}
	if offset < 0 || offset > len(b.data) {
		t.Fatalf("offset %d out of bounds [0, %d]", offset, len(b.data))
	}

	// reading again from the new offset returns nothing new, not EOF yet
	data2, offset2, eof2 := b.readFrom(offset)
	if len(data2) != 0 || eof2 {
		t.Fatalf("expected no new data, got %q eof=%v", data2, eof2)
	}
	if offset2 != offset {
		t.Fatalf("offset should be unchanged: %d vs %d", offset2, offset)
	}
}

func TestBufferEOFThenReadsStayEmpty(t *testing.T) {
	b := newBuffer()
	b.append([]byte("data"))
	b.markEOF()

	// the final batch of bytes may arrive together with is_eof=true, since
	// the offset reaches the end of the buffer in this same call
	data, offset, eof := b.readFrom(0)
	if string(data) != "data" {
		t.Fatalf("got %q", data)
	}
	if !eof {
		t.Fatal("expected is_eof=true once the offset reaches the end of an EOF'd buffer")
	}

	// subsequent reads from the final offset stay empty with is_eof=true
	for i := 0; i < 3; i++ {
		data, offset, eof = b.readFrom(offset)
		if len(data) != 0 {
			t.Fatalf("expected empty read past eof, got %q", data)
		}
		if !eof {
			t.Fatal("expected is_eof=true once offset caught up with EOF buffer")
		}
	}
}

func TestBufferTruncatesOverCap(t *testing.T) {
	b := newBuffer()
	big := make([]byte, maxBufferBytes+1024)
	for i := range big {
		big[i] = 'x'
	}
	b.append(big)
	if !b.truncated {
		t.Fatal("expected truncation flag set")
	}
	if len(b.data) > maxBufferBytes {
		t.Fatalf("buffer exceeds cap: %d > %d", len(b.data), maxBufferBytes)
	}
}

func TestBufferOffsetClampedWhenStale(t *testing.T) {
	b := newBuffer()
	b.append([]byte("short"))
	// a read offset beyond the buffer (e.g. from before a truncation) must
	// not panic and must clamp into range.
	data, offset, _ := b.readFrom(1000)
	if len(data) != 0 {
		t.Fatalf("expected no data for out-of-range offset, got %q", data)
	}
	if offset < 0 || offset > len(b.data) {
		t.Fatalf("offset %d out of bounds", offset)
	}
}
