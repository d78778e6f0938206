package services

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keyserver/internal/classifier"
	"keyserver/internal/infrastructure"
	"keyserver/pkg/contracts/domain"
)

// AnalysisService classifies uploaded file content.
type AnalysisService interface {
	Analyze(ctx context.Context, req domain.AnalyzeFileRequest) (*domain.AnalyzeFileResponse, error)
}

type analysisService struct {
	classifier classifier.Classifier
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
}

func NewAnalysisService(c classifier.Classifier, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	return &analysisService{classifier: c, metrics: metrics, logger: logger.With(slog.String("service", "analysis"))}
}

func (s *analysisService) Analyze(ctx context.Context, req domain.AnalyzeFileRequest) (*domain.AnalyzeFileResponse, error) {
	verdict, err := s.classifier.Classify(ctx, classifier.Request{FileName: req.FileName, FileContent: req.FileContent})

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case !s.classifier.Enabled():
		result = "disabled"
	case verdict.IsMalicious:
		result = "malicious"
	}
	if s.metrics != nil {
		s.metrics.ClassifierRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "file analysis failed",
			slog.String("file_name", req.FileName),
			slog.String("error", err.Error()))
		return nil, err
	}

	return &domain.AnalyzeFileResponse{
		IsMalicious:     verdict.IsMalicious,
		ConfidenceScore: verdict.ConfidenceScore,
		Reason:          verdict.Reason,
		ThreatType:      verdict.ThreatType,
	}, nil
}
