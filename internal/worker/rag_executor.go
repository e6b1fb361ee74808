package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"portfolio-tasks/internal/experiment"
	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/ragindex"
	"portfolio-tasks/internal/storage"
)

const maxQueryLen = 1000

// RAGExecutor answers questions about the portfolio documents by retrieving
// the best-matching indexed passages. Repeated invocation for the same
// payload is harmless since retrieval has no side effects.
type RAGExecutor struct {
	blobs storage.Store
	index *ragindex.Index
	runs  experiment.Sink
	topK  int
}

type ragQueryPayload struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// RAGResult is the stored task result for a rag-query.
type RAGResult struct {
	Query    string             `json:"query"`
	Answer   string             `json:"answer"`
	Passages []ragindex.Passage `json:"passages"`
}

// NewRAGExecutor builds the executor. topK bounds retrieved passages; zero
// means 3.
func NewRAGExecutor(blobs storage.Store, index *ragindex.Index, runs experiment.Sink, topK int) *RAGExecutor {
	if runs == nil {
		runs = experiment.Nop{}
	}
	if topK <= 0 {
		topK = 3
	}
	return &RAGExecutor{blobs: blobs, index: index, runs: runs, topK: topK}
}

func (e *RAGExecutor) Execute(ctx context.Context, env models.JobEnvelope) Outcome {
	started := time.Now()

	payload, err := e.blobs.Get(ctx, env.PayloadRef)
	if err != nil {
		return Retryable("payload_fetch", fmt.Errorf("fetch payload: %w", err))
	}

	var req ragQueryPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return Fatal("decode", fmt.Errorf("decode query payload: %w", err))
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Fatal("decode", errors.New("query is empty"))
	}
	if len(req.Query) > maxQueryLen {
		return Fatal("decode", fmt.Errorf("query exceeds %d characters", maxQueryLen))
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.topK
	}

	passages, err := e.index.Search(req.Query, topK)
	if err != nil {
		return Retryable("search", fmt.Errorf("search index: %w", err))
	}

	answer := ""
	if len(passages) > 0 {
		parts := make([]string, len(passages))
		for i, p := range passages {
			parts[i] = p.Text
		}
		answer = strings.Join(parts, "\n\n")
	}

	raw, err := json.Marshal(RAGResult{Query: req.Query, Answer: answer, Passages: passages})
	if err != nil {
		return Fatal("result_encode", fmt.Errorf("marshal result: %w", err))
	}

	e.runs.Record(ctx, experiment.Run{
		TaskID:       env.TaskID,
		Kind:         string(env.Kind),
		InputSummary: truncate(req.Query, 120),
		Duration:     time.Since(started),
		Outcome:      "success",
	})
	return Success(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
