package decoder

import (
	"io"
	"log"
	"testing"
)

func TestWithCaptureHeadroom(t *testing.T) {
	d := &Decoder{}
	WithCaptureHeadroom(7)(d)
	if d.captureHeadroom != 7 {
		t.Fatalf("captureHeadroom = %d, want 7", d.captureHeadroom)
	}
}

func TestWithLogger(t *testing.T) {
	d := &Decoder{}
	l := log.New(io.Discard, "test: ", 0)
	WithLogger(l)(d)
	if d.logger != l {
		t.Fatal("logger was not set")
	}
}
