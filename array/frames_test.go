package array

import (
	"errors"
	"reflect"
	"testing"
)

// seqLatent builds a [1, 1, f, 1, 2] latent where frame i holds {i, i+0.5}.
func seqLatent(f int) *Array {
	data := make([]float32, f*2)
	for i := 0; i < f; i++ {
		data[2*i] = float32(i)
		data[2*i+1] = float32(i) + 0.5
	}
	return New(data, 1, 1, f, 1, 2)
}

func TestFramesGather(t *testing.T) {
	a := seqLatent(8)
	g, err := Frames(a, []int{2, 5, 2})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g.Shape(), []int{1, 1, 3, 1, 2}) {
		t.Fatalf("shape: got %v", g.Shape())
	}
	want := []float32{2, 2.5, 5, 5.5, 2, 2.5}
	if !reflect.DeepEqual(g.Data(), want) {
		t.Errorf("data: got %v, want %v", g.Data(), want)
	}
}

func TestFramesOutOfRange(t *testing.T) {
	a := seqLatent(4)
	if _, err := Frames(a, []int{4}); err == nil {
		t.Error("expected error for out-of-range frame")
	}
	if _, err := Frames(Zeros(2, 3), []int{0}); err == nil {
		t.Error("expected error for non-5D input")
	}
}

func TestScatterAddFrames(t *testing.T) {
	dst := Zeros(1, 1, 4, 1, 2)
	src := New([]float32{1, 1, 2, 2}, 1, 1, 2, 1, 2)

	if err := ScatterAddFrames(dst, src, []int{1, 3}); err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 0, 1, 1, 0, 0, 2, 2}
	if !reflect.DeepEqual(dst.Data(), want) {
		t.Errorf("after scatter: got %v, want %v", dst.Data(), want)
	}

	// Overlapping contribution accumulates.
	if err := ScatterAddFrames(dst, src, []int{3, 3}); err != nil {
		t.Fatal(err)
	}
	want = []float32{0, 0, 1, 1, 0, 0, 5, 5}
	if !reflect.DeepEqual(dst.Data(), want) {
		t.Errorf("after overlap: got %v, want %v", dst.Data(), want)
	}
}

func TestScatterAddShapeChecked(t *testing.T) {
	dst := Zeros(1, 1, 4, 1, 2)
	src := Zeros(1, 1, 3, 1, 2) // 3 frames but 2 indices
	err := ScatterAddFrames(dst, src, []int{0, 1})
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestFrameSetFrame(t *testing.T) {
	a := seqLatent(4)
	f2, err := Frame(a, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(f2.Shape(), []int{1, 1, 1, 2}) {
		t.Fatalf("frame shape: got %v", f2.Shape())
	}
	if !reflect.DeepEqual(f2.Data(), []float32{2, 2.5}) {
		t.Errorf("frame data: got %v", f2.Data())
	}

	if err := SetFrame(a, 0, New([]float32{9, 9}, 1, 1, 1, 2)); err != nil {
		t.Fatal(err)
	}
	if a.Data()[0] != 9 || a.Data()[1] != 9 {
		t.Errorf("set frame: got %v", a.Data()[:2])
	}
}
