package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"

	"portfolio-tasks/internal/experiment"
	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/storage"
)

// ImageExecutor runs image-processing work: it loads the spooled payload,
// normalizes the image (grayscale + bounded resize), and stores the
// processed artifact. The model inference itself lives behind this boundary
// and is out of scope here; the executor owns the image plumbing around it.
type ImageExecutor struct {
	blobs    storage.Store
	runs     experiment.Sink
	maxWidth int
}

// ImageResult is the stored task result describing the produced artifact.
type ImageResult struct {
	Artifact string `json:"artifact"`
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
}

// NewImageExecutor builds the executor. maxWidth bounds the output width;
// zero means 1024.
func NewImageExecutor(blobs storage.Store, runs experiment.Sink, maxWidth int) *ImageExecutor {
	if runs == nil {
		runs = experiment.Nop{}
	}
	if maxWidth <= 0 {
		maxWidth = 1024
	}
	return &ImageExecutor{blobs: blobs, runs: runs, maxWidth: maxWidth}
}

// Execute is safe to run more than once for the same payload: the artifact
// key is derived from the task ID, so a duplicate delivery overwrites the
// same object.
func (e *ImageExecutor) Execute(ctx context.Context, env models.JobEnvelope) Outcome {
	started := time.Now()

	payload, err := e.blobs.Get(ctx, env.PayloadRef)
	if err != nil {
		return Retryable("payload_fetch", fmt.Errorf("fetch payload: %w", err))
	}

	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		// A payload that does not decode will never decode; do not retry.
		return Fatal("decode", fmt.Errorf("decode image: %w", err))
	}

	processed := imaging.Grayscale(img)
	if processed.Bounds().Dx() > e.maxWidth {
		processed = imaging.Resize(processed, e.maxWidth, 0, imaging.Lanczos)
	}

	outFormat, ext := imaging.JPEG, "jpg"
	if format == "png" {
		outFormat, ext = imaging.PNG, "png"
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, processed, outFormat, imaging.JPEGQuality(85)); err != nil {
		return Fatal("encode", fmt.Errorf("encode image: %w", err))
	}

	artifactKey := fmt.Sprintf("%s%s.%s", storage.ResultPrefix, env.TaskID, ext)
	if err := e.blobs.Put(ctx, artifactKey, buf.Bytes(), "image/"+ext); err != nil {
		return Retryable("artifact_store", fmt.Errorf("store artifact: %w", err))
	}

	result := ImageResult{
		Artifact: artifactKey,
		Format:   ext,
		Width:    processed.Bounds().Dx(),
		Height:   processed.Bounds().Dy(),
		Bytes:    buf.Len(),
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Fatal("result_encode", fmt.Errorf("marshal result: %w", err))
	}

	e.runs.Record(ctx, experiment.Run{
		TaskID:       env.TaskID,
		Kind:         string(env.Kind),
		InputSummary: fmt.Sprintf("%s %dx%d %d bytes", format, img.Bounds().Dx(), img.Bounds().Dy(), len(payload)),
		Duration:     time.Since(started),
		Outcome:      "success",
	})
	return Success(raw)
}
