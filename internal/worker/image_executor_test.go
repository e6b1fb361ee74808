package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"

	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/storage"
)

// redPNG encodes a solid red square so the test can verify grayscale output
// has equal channels.
func redPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageExecutor_GrayscaleAndResize(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewLocal(t.TempDir())

	payload := redPNG(t, 10)
	if err := blobs.Put(ctx, storage.PayloadPrefix+"task-1", payload, "image/png"); err != nil {
		t.Fatalf("spool payload: %v", err)
	}

	exec := NewImageExecutor(blobs, nil, 5)
	outcome := exec.Execute(ctx, models.JobEnvelope{
		TaskID:      "task-1",
		Kind:        models.KindImageProcessing,
		PayloadRef:  storage.PayloadPrefix + "task-1",
		PayloadSize: int64(len(payload)),
	})
	if outcome.failed {
		t.Fatalf("execute failed: %+v", outcome.err)
	}

	var res ImageResult
	if err := json.Unmarshal(outcome.result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Width != 5 {
		t.Fatalf("expected width 5, got %d", res.Width)
	}
	if res.Format != "png" {
		t.Fatalf("expected png passthrough, got %s", res.Format)
	}

	data, err := blobs.Get(ctx, res.Artifact)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if out.Bounds().Dx() != 5 {
		t.Fatalf("artifact width %d, want 5", out.Bounds().Dx())
	}
	r, g, b, _ := out.At(2, 2).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestImageExecutor_UndecodablePayloadIsFatal(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewLocal(t.TempDir())
	if err := blobs.Put(ctx, storage.PayloadPrefix+"task-1", []byte("not an image"), "text/plain"); err != nil {
		t.Fatalf("spool payload: %v", err)
	}

	exec := NewImageExecutor(blobs, nil, 0)
	outcome := exec.Execute(ctx, models.JobEnvelope{
		TaskID:     "task-1",
		Kind:       models.KindImageProcessing,
		PayloadRef: storage.PayloadPrefix + "task-1",
	})
	if !outcome.failed || outcome.retryable {
		t.Fatalf("expected fatal outcome, got %+v", outcome)
	}
	if outcome.err.Kind != "decode" {
		t.Fatalf("unexpected error kind %s", outcome.err.Kind)
	}
}

func TestImageExecutor_MissingPayloadIsRetryable(t *testing.T) {
	blobs := storage.NewLocal(t.TempDir())
	exec := NewImageExecutor(blobs, nil, 0)
	outcome := exec.Execute(context.Background(), models.JobEnvelope{
		TaskID:     "task-1",
		Kind:       models.KindImageProcessing,
		PayloadRef: storage.PayloadPrefix + "task-1",
	})
	if !outcome.failed || !outcome.retryable {
		t.Fatalf("expected retryable outcome, got %+v", outcome)
	}
}
