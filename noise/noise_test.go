package noise

import (
	"bytes"
	"errors"
	"testing"

	"lukechampine.com/frand"

	"github.com/branham01/smoldot/readwrite"
)

func newTestingPair(t *testing.T) (*Noise, *Noise) {
	t.Helper()
	var k1, k2 [32]byte
	frand.Read(k1[:])
	frand.Read(k2[:])
	a, err := New(Config{IsInitiator: true, TxKey: k1, RxKey: k2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{IsInitiator: false, TxKey: k2, RxKey: k1})
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

// encryptOut runs one plaintext through n's writing side and returns the
// ciphertext queued on the outer scratchpad.
func encryptOut(t *testing.T, n *Noise, plaintext []byte) []byte {
	t.Helper()
	outer := &readwrite.ReadWrite{WriteBytesQueueable: readwrite.Unbounded}
	inner, err := n.ReadWrite(outer)
	if err != nil {
		t.Fatal(err)
	}
	inner.Write(plaintext)
	if err := n.Flush(inner, outer); err != nil {
		t.Fatal(err)
	}
	var out []byte
	for _, buf := range outer.WriteBuffers {
		out = append(out, buf...)
	}
	return out
}

// decryptIn feeds ciphertext into n's reading side and returns the plaintext
// made available, consuming it.
func decryptIn(t *testing.T, n *Noise, ciphertext []byte) ([]byte, error) {
	t.Helper()
	outer := &readwrite.ReadWrite{IncomingBuffer: ciphertext}
	inner, err := n.ReadWrite(outer)
	if err != nil {
		return nil, err
	}
	plaintext := inner.IncomingBytesTakeAll()
	if err := n.Flush(inner, outer); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func TestRoundTrip(t *testing.T) {
	a, b := newTestingPair(t)
	for i := 0; i < 10; i++ {
		msg := frand.Bytes(1 + frand.Intn(4096))
		got, err := decryptIn(t, b, encryptOut(t, a, msg))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round %d: got %x, want %x", i, got, msg)
		}
		// And the other direction, so both nonce counters advance.
		got, err = decryptIn(t, a, encryptOut(t, b, msg))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round %d (reverse): got %x, want %x", i, got, msg)
		}
	}
}

func TestPartialRecordDelivery(t *testing.T) {
	a, b := newTestingPair(t)
	msg := frand.Bytes(1000)
	ciphertext := encryptOut(t, a, msg)

	// Deliver the ciphertext one byte at a time, handing back whatever was
	// left unconsumed as a transport would; the plaintext must only appear
	// once the full record arrived.
	var got, pending []byte
	for i := range ciphertext {
		pending = append(pending, ciphertext[i])
		outer := &readwrite.ReadWrite{IncomingBuffer: pending}
		inner, err := b.ReadWrite(outer)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, inner.IncomingBytesTakeAll()...)
		if err := b.Flush(inner, outer); err != nil {
			t.Fatal(err)
		}
		pending = outer.IncomingBuffer
		if i < len(ciphertext)-1 && len(got) != 0 {
			t.Fatalf("plaintext appeared after %d of %d bytes", i+1, len(ciphertext))
		}
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %x, want %x", got, msg)
	}
}

func TestLargeWriteSplitsRecords(t *testing.T) {
	a, b := newTestingPair(t)
	msg := frand.Bytes(maxPlaintextLen + 1234)
	ciphertext := encryptOut(t, a, msg)
	got, err := decryptIn(t, b, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("large message corrupted across record split")
	}
}

func TestCorruptRecord(t *testing.T) {
	a, b := newTestingPair(t)
	ciphertext := encryptOut(t, a, []byte("hello"))
	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err := decryptIn(t, b, ciphertext)
	if !errors.Is(err, ErrCipher) {
		t.Fatalf("err = %v, want ErrCipher", err)
	}
}

func TestDesyncedKeys(t *testing.T) {
	a, _ := newTestingPair(t)
	c, _ := newTestingPair(t) // unrelated keys
	_, err := decryptIn(t, c, encryptOut(t, a, []byte("hello")))
	if !errors.Is(err, ErrCipher) {
		t.Fatalf("err = %v, want ErrCipher", err)
	}
}

func TestFlushWithinFiniteCapacity(t *testing.T) {
	a, b := newTestingPair(t)

	// A transport with 50 bytes of room: the inner capacity works out to 32,
	// and filling it with several small frames must still fit once framing
	// overhead is added, because Flush coalesces them into one record.
	outer := &readwrite.ReadWrite{WriteBytesQueueable: 50}
	inner, err := a.ReadWrite(outer)
	if err != nil {
		t.Fatal(err)
	}
	if inner.WriteBytesQueueable != plaintextCapacity(50) {
		t.Fatalf("inner queueable = %d, want %d", inner.WriteBytesQueueable, plaintextCapacity(50))
	}
	var want []byte
	for _, frame := range [][]byte{frand.Bytes(12), frand.Bytes(12), frand.Bytes(8)} {
		inner.Write(frame)
		want = append(want, frame...)
	}
	if err := a.Flush(inner, outer); err != nil {
		t.Fatal(err)
	}
	if outer.WriteBytesQueued > 50 {
		t.Fatalf("queued %d bytes into a 50-byte budget", outer.WriteBytesQueued)
	}

	// The coalesced record still decrypts to the original byte stream.
	var ciphertext []byte
	for _, buf := range outer.WriteBuffers {
		ciphertext = append(ciphertext, buf...)
	}
	got, err := decryptIn(t, b, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("decrypted %x, want %x", got, want)
	}
}

func TestPlaintextCapacity(t *testing.T) {
	for _, q := range []int{0, 1, 17, 18, 19, 100, maxFrameLen, maxFrameLen * 3} {
		c := plaintextCapacity(q)
		if c < 0 {
			t.Fatalf("capacity(%d) = %d", q, c)
		}
		if c == 0 {
			continue
		}
		// Writing c bytes must always fit within q ciphertext bytes.
		records := (c + maxPlaintextLen - 1) / maxPlaintextLen
		if c+records*(lengthPrefixSize+tagSize) > q {
			t.Fatalf("capacity(%d) = %d overflows", q, c)
		}
	}
	if plaintextCapacity(readwrite.Unbounded) != readwrite.Unbounded {
		t.Fatal("unbounded capacity must pass through")
	}
}
