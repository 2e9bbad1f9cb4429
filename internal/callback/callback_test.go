package callback

import (
	"context"
	"testing"

	"github.com/framepipe/framepipe/internal/frame"
)

func TestIdentityRoundTrips(t *testing.T) {
	t.Parallel()

	shape := frame.Shape{Height: 2, Width: 2, Channels: 3}
	image := []byte{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}

	res, err := Identity{}.OnImage(context.Background(), image, shape)
	if err != nil {
		t.Fatalf("OnImage() error = %v", err)
	}
	if len(res.Overlay) != len(image) {
		t.Fatalf("Overlay length = %d, want %d", len(res.Overlay), len(image))
	}
	for i, b := range res.Overlay {
		if b != image[i] {
			t.Fatalf("Overlay[%d] = %d, want %d", i, b, image[i])
		}
	}
	for i, b := range res.Mask {
		if b != 0 {
			t.Fatalf("Mask[%d] = %d, want 0", i, b)
		}
	}
}

func TestConstantOverlayMaskOn(t *testing.T) {
	t.Parallel()

	shape := frame.Shape{Height: 1, Width: 2, Channels: 3}
	cb := ConstantOverlay{Color: [3]byte{10, 20, 30}, MaskOn: true}

	res, err := cb.OnImage(context.Background(), nil, shape)
	if err != nil {
		t.Fatalf("OnImage() error = %v", err)
	}
	want := []byte{10, 20, 30, 10, 20, 30}
	for i, b := range res.Overlay {
		if b != want[i] {
			t.Fatalf("Overlay[%d] = %d, want %d", i, b, want[i])
		}
	}
	for i, b := range res.Mask {
		if b != 255 {
			t.Fatalf("Mask[%d] = %d, want 255", i, b)
		}
	}
}

func TestConstantOverlayMaskOff(t *testing.T) {
	t.Parallel()

	shape := frame.Shape{Height: 1, Width: 2, Channels: 3}
	cb := ConstantOverlay{Color: [3]byte{10, 20, 30}, MaskOn: false}

	res, err := cb.OnImage(context.Background(), nil, shape)
	if err != nil {
		t.Fatalf("OnImage() error = %v", err)
	}
	for i, b := range res.Mask {
		if b != 0 {
			t.Fatalf("Mask[%d] = %d, want 0", i, b)
		}
	}
}

func TestErrorAfterSucceedsThenFails(t *testing.T) {
	t.Parallel()

	shape := frame.Shape{Height: 1, Width: 1, Channels: 3}
	image := []byte{1, 2, 3}
	cb := &ErrorAfter{N: 2}

	for i := 0; i < 2; i++ {
		if _, err := cb.OnImage(context.Background(), image, shape); err != nil {
			t.Fatalf("call %d: OnImage() error = %v, want nil", i, err)
		}
	}
	if _, err := cb.OnImage(context.Background(), image, shape); err == nil {
		t.Fatal("call 3: OnImage() error = nil, want error")
	}
	if _, err := cb.OnImage(context.Background(), image, shape); err == nil {
		t.Fatal("call 4: OnImage() error = nil, want error (stays failed)")
	}
}

func TestNopCallbackHooksAreNoOps(t *testing.T) {
	t.Parallel()

	var cb Callback = Identity{}
	if err := cb.OnOpen(context.Background()); err != nil {
		t.Fatalf("OnOpen() error = %v", err)
	}
	if err := cb.OnClose(context.Background()); err != nil {
		t.Fatalf("OnClose() error = %v", err)
	}
}
