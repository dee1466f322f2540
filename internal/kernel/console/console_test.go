package console

import "testing"

func TestReadDrainsAndBlocks(t *testing.T) {
	c := New(nil)

	buf := make([]byte, 4)
	if n := c.Read(buf, 7); n != 0 {
		t.Fatalf("expected 0 bytes from an empty ring, got %d", n)
	}

	c.PushByte('h')
	c.PushByte('i')

	n := c.Read(buf, 7)
	if n != 2 || string(buf[:n]) != "hi" {
		t.Fatalf("expected to read \"hi\", got %q (n=%d)", buf[:n], n)
	}
}

func TestPushByteWakesWaiter(t *testing.T) {
	c := New(nil)

	buf := make([]byte, 1)
	c.Read(buf, 42) // registers pid 42 as a waiter

	pid, ok := c.PushByte('x')
	if !ok || pid != 42 {
		t.Fatalf("expected waiter pid 42 to be woken, got pid=%d ok=%v", pid, ok)
	}
}

func TestWriteOutCountsBytes(t *testing.T) {
	c := New(nil)
	var out []byte
	n := c.WriteOut(func(b byte) { out = append(out, b) }, []byte("hello"))
	if n != 5 || string(out) != "hello" {
		t.Fatalf("WriteOut mismatch: n=%d out=%q", n, out)
	}
}
