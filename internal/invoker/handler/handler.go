// Package handler serves invoke requests synchronously through the build
// driver.
package handler

import (
	"context"
	"strings"

	"invoker/internal/invoker/model"
	"invoker/pkg/utils/contextkey"
	"invoker/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Builder builds one submission.
type Builder interface {
	Build(ctx context.Context, sub model.Submission) (model.Status, error)
}

// Handler answers invoke requests.
type Handler struct {
	builder Builder
	fetcher *SourceFetcher
}

// New creates a handler.
func New(builder Builder, fetcher *SourceFetcher) *Handler {
	return &Handler{builder: builder, fetcher: fetcher}
}

// HandleInvokeRequest fetches the request's source and builds it.
// Compilation failures are reported in the response status; the error is
// reserved for infrastructure failures.
func (h *Handler) HandleInvokeRequest(ctx context.Context, req model.InvokeRequest) (model.InvokeResponse, error) {
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.InvocationID, req.ID)

	sourcePath, cleanup, err := h.fetcher.Fetch(ctx, req.ID, req.Source)
	if err != nil {
		return model.InvokeResponse{}, err
	}
	defer cleanup()

	// Clients may reuse request ids, so every request gets its own root.
	status, err := h.builder.Build(ctx, model.Submission{
		ID:           req.SubmissionID,
		ToolchainID:  req.ToolchainID,
		SourcePath:   sourcePath,
		IsolationKey: uuid.NewString(),
	})
	if err != nil {
		return model.InvokeResponse{}, err
	}
	logger.Info(ctx, "invoke request built",
		zap.Uint32("submission_id", req.SubmissionID),
		zap.String("toolchain", req.ToolchainID),
		zap.String("status_code", status.Code),
	)
	return model.InvokeResponse{ID: req.ID, Status: status}, nil
}
