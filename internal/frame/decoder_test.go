package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

type decodedFrame struct {
	fin     bool
	opcode  Opcode
	masked  bool
	mask    uint32
	payload []byte
}

type recorder struct {
	frames  []decodedFrame
	current *decodedFrame
	calls   int
	fail    error
}

func (r *recorder) sink(d *Decoder, p []byte) error {
	r.calls++
	if r.current == nil {
		r.current = &decodedFrame{fin: d.Fin(), opcode: d.Opcode(), masked: d.Masked(), mask: d.Mask(), payload: []byte{}}
	}
	if uint64(len(r.current.payload)) != d.Offset() {
		panic("offset does not match delivered bytes")
	}
	r.current.payload = append(r.current.payload, p...)
	if r.fail != nil {
		return r.fail
	}
	if d.Offset()+uint64(len(p)) == d.PayloadLen() {
		r.frames = append(r.frames, *r.current)
		r.current = nil
	}
	return nil
}

func encodeFrame(t *testing.T, fin bool, op Opcode, payload []byte, masked bool, mask uint32) []byte {
	t.Helper()
	out := []byte{FirstByte(fin, op)}
	var hdr [14]byte
	var n int
	if masked {
		n = WriteMaskedHeader(hdr[:], uint64(len(payload)), mask)
	} else {
		n = WriteUnmaskedHeader(hdr[:], uint64(len(payload)))
	}
	if n == 0 {
		t.Fatalf("header encoding failed for length %d", len(payload))
	}
	out = append(out, hdr[:n]...)
	return append(out, payload...)
}

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func feedChunks(t *testing.T, d *Decoder, data []byte, sizes func(remaining int) int) {
	t.Helper()
	for len(data) > 0 {
		n := sizes(len(data))
		if n > len(data) {
			n = len(data)
		}
		if err := d.Feed(data[:n]); err != nil {
			t.Fatalf("feed: %v", err)
		}
		data = data[n:]
	}
}

func TestDecoderRoundTripBoundaryLengths(t *testing.T) {
	lengths := []int{0, 1, 125, 126, 65535, 65536}
	chunkings := map[string]func(int) int{
		"whole":         func(r int) int { return r },
		"byte-at-time":  func(int) int { return 1 },
		"seven":         func(int) int { return 7 },
		"header-split3": func(int) int { return 3 },
	}

	for _, n := range lengths {
		for _, masked := range []bool{false, true} {
			payload := testPayload(n)
			data := encodeFrame(t, true, OpBinary, payload, masked, 0xA1B2C3D4)
			for name, chunk := range chunkings {
				if name == "byte-at-time" && n > 1000 {
					// byte-at-a-time over 64KiB is covered by the random split test
					continue
				}
				rec := &recorder{}
				d := NewDecoder(rec.sink)
				feedChunks(t, d, data, chunk)

				if len(rec.frames) != 1 {
					t.Fatalf("len=%d masked=%v %s: expected 1 frame, got %d", n, masked, name, len(rec.frames))
				}
				got := rec.frames[0]
				if got.opcode != OpBinary || !got.fin || got.masked != masked {
					t.Fatalf("len=%d %s: unexpected header %+v", n, name, got)
				}
				if masked && got.mask != 0xA1B2C3D4 {
					t.Fatalf("len=%d %s: mask = %08x", n, name, got.mask)
				}
				if !bytes.Equal(got.payload, payload) {
					t.Fatalf("len=%d %s: payload mismatch", n, name)
				}
				if d.State() != StateStart {
					t.Fatalf("len=%d %s: expected start state, got %s", n, name, d.State())
				}
			}
		}
	}
}

func TestDecoderChunkBoundaryInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	payload := testPayload(300)
	data := encodeFrame(t, true, OpText, payload, true, 0x01020304)

	whole := &recorder{}
	if err := NewDecoder(whole.sink).Feed(data); err != nil {
		t.Fatalf("feed whole: %v", err)
	}

	for i := 0; i < 200; i++ {
		rec := &recorder{}
		d := NewDecoder(rec.sink)
		feedChunks(t, d, data, func(r int) int { return 1 + rng.Intn(r) })
		if len(rec.frames) != 1 || !bytes.Equal(rec.frames[0].payload, whole.frames[0].payload) {
			t.Fatalf("iteration %d: split decoding differs from whole decoding", i)
		}
	}

	// every single split point
	for cut := 1; cut < len(data); cut++ {
		rec := &recorder{}
		d := NewDecoder(rec.sink)
		if err := d.Feed(data[:cut]); err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if err := d.Feed(data[cut:]); err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		if len(rec.frames) != 1 || !bytes.Equal(rec.frames[0].payload, payload) {
			t.Fatalf("cut %d: payload mismatch", cut)
		}
	}
}

func TestDecoderPartialInvokesSinkOncePerCall(t *testing.T) {
	payload := testPayload(1000)
	data := encodeFrame(t, true, OpBinary, payload, false, 0)
	hdr := len(data) - len(payload)

	rec := &recorder{}
	d := NewDecoder(rec.sink)
	if err := d.Feed(data[:hdr]); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no sink calls before payload, got %d", rec.calls)
	}
	if d.State() != StatePayload {
		t.Fatalf("expected payload state, got %s", d.State())
	}

	if err := d.Feed(data[hdr : hdr+400]); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 1 || d.Offset() != 400 || d.PayloadLen() != 1000 {
		t.Fatalf("calls=%d offset=%d expected=%d", rec.calls, d.Offset(), d.PayloadLen())
	}

	if err := d.Feed(data[hdr+400:]); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 2 || len(rec.frames) != 1 {
		t.Fatalf("calls=%d frames=%d", rec.calls, len(rec.frames))
	}
	if d.Offset() != 0 || d.PayloadLen() != 0 || d.Mask() != 0 {
		t.Fatal("per-frame state not cleared after completion")
	}
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	first := encodeFrame(t, false, OpText, []byte("hel"), true, 0xDEADBEEF)
	second := encodeFrame(t, true, OpContinuation, []byte("lo"), false, 0)
	ping := encodeFrame(t, true, OpPing, nil, true, 1)

	data := append(append(append([]byte{}, first...), second...), ping...)

	rec := &recorder{}
	d := NewDecoder(rec.sink)
	if err := d.Feed(data); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(rec.frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(rec.frames))
	}
	if rec.frames[0].fin || rec.frames[0].opcode != OpText || string(rec.frames[0].payload) != "hel" || rec.frames[0].mask != 0xDEADBEEF {
		t.Fatalf("frame 0: %+v", rec.frames[0])
	}
	if !rec.frames[1].fin || rec.frames[1].opcode != OpContinuation || rec.frames[1].masked || string(rec.frames[1].payload) != "lo" {
		t.Fatalf("frame 1: %+v", rec.frames[1])
	}
	if rec.frames[2].opcode != OpPing || len(rec.frames[2].payload) != 0 {
		t.Fatalf("frame 2: %+v", rec.frames[2])
	}
	if d.State() != StateStart {
		t.Fatalf("expected start state, got %s", d.State())
	}
}

func TestDecoderEmptyFrameCompletesAtChunkEnd(t *testing.T) {
	data := encodeFrame(t, true, OpClose, nil, false, 0)

	rec := &recorder{}
	d := NewDecoder(rec.sink)
	if err := d.Feed(data); err != nil {
		t.Fatal(err)
	}
	if len(rec.frames) != 1 || rec.frames[0].opcode != OpClose {
		t.Fatalf("expected a completed close frame, got %+v", rec.frames)
	}
	if rec.calls != 1 {
		t.Fatalf("expected exactly one sink call, got %d", rec.calls)
	}
}

func TestDecoderRejectsReservedBitsAndOpcodes(t *testing.T) {
	var bad []byte
	for _, rsv := range []byte{0x40, 0x20, 0x10} {
		bad = append(bad, 0x81|rsv)
	}
	for _, op := range []byte{3, 4, 5, 6, 7, 11, 12, 13, 14, 15} {
		bad = append(bad, 0x80|op)
	}

	for _, b := range bad {
		rec := &recorder{}
		d := NewDecoder(rec.sink)
		err := d.Feed([]byte{b, 0x00})
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("byte 0x%02X: expected ErrInvalid, got %v", b, err)
		}
		if d.State() != StateError {
			t.Fatalf("byte 0x%02X: expected error state", b)
		}
		valid := encodeFrame(t, true, OpText, []byte("x"), false, 0)
		if err := d.Feed(valid); err != ErrInvalid {
			t.Fatalf("byte 0x%02X: expected terminal ErrInvalid, got %v", b, err)
		}
		if rec.calls != 0 {
			t.Fatalf("byte 0x%02X: sink must not run after rejection", b)
		}
	}
}

func TestDecoderAcceptsAllowedOpcodes(t *testing.T) {
	for _, op := range []Opcode{OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong} {
		rec := &recorder{}
		d := NewDecoder(rec.sink)
		if err := d.Feed(encodeFrame(t, true, op, []byte("ok"), false, 0)); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if len(rec.frames) != 1 || rec.frames[0].opcode != op {
			t.Fatalf("%s: frames %+v", op, rec.frames)
		}
	}
}

func TestDecoderRejectsLengthWithTopBitSet(t *testing.T) {
	data := []byte{0x82, 127, 0x80, 0, 0, 0, 0, 0, 0, 1}
	d := NewDecoder((&recorder{}).sink)
	if err := d.Feed(data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecoderSinkErrorPropagates(t *testing.T) {
	errTooBig := errors.New("message too big")

	for _, tc := range []struct {
		name string
		feed func(d *Decoder, data []byte) error
	}{
		{"complete", func(d *Decoder, data []byte) error { return d.Feed(data) }},
		{"partial", func(d *Decoder, data []byte) error { return d.Feed(data[:len(data)-1]) }},
	} {
		rec := &recorder{fail: errTooBig}
		d := NewDecoder(rec.sink)
		data := encodeFrame(t, true, OpBinary, testPayload(10), false, 0)
		if err := tc.feed(d, data); err != errTooBig {
			t.Fatalf("%s: expected sink error verbatim, got %v", tc.name, err)
		}
		if d.State() != StateError {
			t.Fatalf("%s: expected error state, got %s", tc.name, d.State())
		}
		if err := d.Feed(data); err != ErrInvalid {
			t.Fatalf("%s: expected ErrInvalid after failure, got %v", tc.name, err)
		}
	}
}

func TestDecoderReset(t *testing.T) {
	data := encodeFrame(t, true, OpText, []byte("hello"), true, 0x11223344)

	check := func(name string, d *Decoder, rec *recorder) {
		t.Helper()
		if err := d.Feed(data); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(rec.frames) != 1 || string(rec.frames[0].payload) != "hello" || rec.frames[0].mask != 0x11223344 {
			t.Fatalf("%s: unexpected frames %+v", name, rec.frames)
		}
	}

	fresh := &recorder{}
	d := NewDecoder(fresh.sink)
	d.Reset()
	check("fresh", d, fresh)

	midFrame := &recorder{}
	d = NewDecoder(midFrame.sink)
	if err := d.Feed(data[:8]); err != nil {
		t.Fatal(err)
	}
	d.Reset()
	midFrame.current = nil
	midFrame.frames = nil
	check("mid-frame", d, midFrame)

	failed := &recorder{}
	d = NewDecoder(failed.sink)
	_ = d.Feed([]byte{0xF1})
	d.Reset()
	if d.State() != StateStart {
		t.Fatalf("expected start after reset, got %s", d.State())
	}
	check("after-error", d, failed)
}

func TestDecoderMaskKeyOrder(t *testing.T) {
	var key [4]byte
	d := NewDecoder(func(d *Decoder, _ []byte) error {
		key = d.MaskKey()
		return nil
	})
	if err := d.Feed(encodeFrame(t, true, OpBinary, []byte{1}, true, 0x0A0B0C0D)); err != nil {
		t.Fatal(err)
	}
	if key != [4]byte{0x0A, 0x0B, 0x0C, 0x0D} {
		t.Fatalf("mask key = %x", key)
	}
}
