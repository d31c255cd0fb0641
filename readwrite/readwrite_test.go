package readwrite

import (
	"bytes"
	"testing"
	"time"
)

func TestIncomingBytesTake(t *testing.T) {
	rw := &ReadWrite{IncomingBuffer: []byte{1, 2, 3, 4, 5}}
	got := rw.IncomingBytesTake(3)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("took %v", got)
	}
	if rw.ReadBytes != 3 {
		t.Fatalf("ReadBytes = %d, want 3", rw.ReadBytes)
	}
	if !bytes.Equal(rw.IncomingBuffer, []byte{4, 5}) {
		t.Fatalf("leftover %v", rw.IncomingBuffer)
	}
	rest := rw.IncomingBytesTakeAll()
	if !bytes.Equal(rest, []byte{4, 5}) || rw.ReadBytes != 5 {
		t.Fatalf("rest %v, ReadBytes %d", rest, rw.ReadBytes)
	}
}

func TestWriteAccounting(t *testing.T) {
	rw := &ReadWrite{WriteBytesQueueable: 10}
	rw.Write([]byte("hello"))
	if rw.WriteBytesQueued != 5 || rw.WriteBytesQueueable != 5 {
		t.Fatalf("queued %d, queueable %d", rw.WriteBytesQueued, rw.WriteBytesQueueable)
	}
	rw.Write(nil) // no-op
	if len(rw.WriteBuffers) != 1 {
		t.Fatalf("buffers %d", len(rw.WriteBuffers))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflowing Write")
		}
	}()
	rw.Write(make([]byte, 6))
}

func TestWriteUnbounded(t *testing.T) {
	rw := &ReadWrite{WriteBytesQueueable: Unbounded}
	rw.Write(make([]byte, 1<<20))
	if rw.WriteBytesQueueable != Unbounded {
		t.Fatal("unbounded capacity must not be debited")
	}
}

func TestWakeUpAfter(t *testing.T) {
	base := time.Now()
	rw := &ReadWrite{Now: base}
	rw.WakeUpAfterAt(base.Add(3 * time.Second))
	rw.WakeUpAfterAt(base.Add(1 * time.Second))
	rw.WakeUpAfterAt(base.Add(2 * time.Second))
	if !rw.WakeUpAfter.Equal(base.Add(1 * time.Second)) {
		t.Fatalf("WakeUpAfter = %v", rw.WakeUpAfter)
	}
	rw.WakeUpASAP()
	if !rw.WakeUpAfter.Equal(base) {
		t.Fatalf("WakeUpAfter = %v after WakeUpASAP", rw.WakeUpAfter)
	}
}

func TestCloseWrite(t *testing.T) {
	rw := &ReadWrite{WriteBytesQueueable: 100}
	rw.CloseWrite()
	if !rw.WriteClosed || rw.WriteBytesQueueable != 0 {
		t.Fatal("CloseWrite must zero the queueable capacity")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on Write after CloseWrite")
		}
	}()
	rw.Write([]byte{1})
}
