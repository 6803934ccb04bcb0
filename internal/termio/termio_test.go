package termio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestSplitOnTransitionPassesThroughPlainBytes(t *testing.T) {
	c := New()
	forward, transitioned := c.SplitOnTransition([]byte("hello world"))
	if transitioned {
		t.Fatalf("transitioned = true, want false")
	}
	if string(forward) != "hello world" {
		t.Fatalf("forward = %q, want unchanged input", forward)
	}
}

func TestSplitOnTransitionStopsAtTransitionKey(t *testing.T) {
	c := New()
	buf := append([]byte("ls -la"), DefaultTransitionKey)
	buf = append(buf, []byte("trailing")...)

	forward, transitioned := c.SplitOnTransition(buf)
	if !transitioned {
		t.Fatalf("transitioned = false, want true")
	}
	if string(forward) != "ls -la" {
		t.Fatalf("forward = %q, want %q (trailing bytes dropped)", forward, "ls -la")
	}
}

func TestSplitOnTransitionPrefixEscapesTransitionKey(t *testing.T) {
	c := New()
	buf := []byte{'a', c.PrefixKey, DefaultTransitionKey, 'b'}

	forward, transitioned := c.SplitOnTransition(buf)
	if transitioned {
		t.Fatalf("transitioned = true, want false (escaped)")
	}
	want := []byte{'a', DefaultTransitionKey, 'b'}
	if !bytes.Equal(forward, want) {
		t.Fatalf("forward = %v, want %v", forward, want)
	}
}

func TestSplitOnTransitionPrefixEscapesItself(t *testing.T) {
	c := New()
	buf := []byte{c.PrefixKey, c.PrefixKey, 'x'}

	forward, transitioned := c.SplitOnTransition(buf)
	if transitioned {
		t.Fatalf("transitioned = true, want false")
	}
	want := []byte{c.PrefixKey, 'x'}
	if !bytes.Equal(forward, want) {
		t.Fatalf("forward = %v, want %v", forward, want)
	}
}

func TestCopyUntilTransitionStopsCleanlyOnTransition(t *testing.T) {
	c := New()
	src := bytes.NewReader(append([]byte("echo hi"), DefaultTransitionKey))
	var dst bytes.Buffer

	if err := c.CopyUntilTransition(&dst, src); err != nil {
		t.Fatalf("CopyUntilTransition: %v", err)
	}
	if dst.String() != "echo hi" {
		t.Fatalf("dst = %q, want %q", dst.String(), "echo hi")
	}
}

func TestCopyUntilTransitionPropagatesReadError(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	src := &erroringReader{err: boom}
	var dst bytes.Buffer

	err := c.CopyUntilTransition(&dst, src)
	if !errors.Is(err, boom) {
		t.Fatalf("CopyUntilTransition err = %v, want %v", err, boom)
	}
}

func TestCopyUntilTransitionPropagatesEOF(t *testing.T) {
	c := New()
	src := bytes.NewReader([]byte("no transition here"))
	var dst bytes.Buffer

	err := c.CopyUntilTransition(&dst, src)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("CopyUntilTransition err = %v, want io.EOF", err)
	}
	if dst.String() != "no transition here" {
		t.Fatalf("dst = %q, want full passthrough before EOF", dst.String())
	}
}

type erroringReader struct{ err error }

func (r *erroringReader) Read(p []byte) (int, error) { return 0, r.err }

func TestExitRawIsNoopWhenNotRaw(t *testing.T) {
	c := New()
	if err := c.ExitRaw(); err != nil {
		t.Fatalf("ExitRaw on a controller never put in raw mode: %v", err)
	}
}
