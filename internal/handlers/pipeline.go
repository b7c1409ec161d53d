package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/orchestrator"
	"github.com/lumina-media/indexer-backend/internal/runner"
)

// Submitter is the orchestrator surface handlers use to schedule follow-on
// work and report progress.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error)
	Progress(ctx context.Context, taskID string, progress float64, label string)
}

// Pipeline holds the built-in stage handlers. The scan handler expands a
// discovered file into its per-kind stage chain; the stage handlers delegate
// the actual media work to whatever processor was registered for them and
// default to an annotate-only pass when none is.
type Pipeline struct {
	submitter Submitter
	logger    *zap.Logger

	// processors, when set, perform the real media work per stage. Nil
	// entries make the stage a structural no-op so the orchestration graph
	// can run without the media toolchain (tests, dry deployments).
	processors map[models.TaskType]runner.HandlerFunc
}

// NewPipeline creates the built-in pipeline with no stage processors bound.
func NewPipeline(submitter Submitter, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		submitter:  submitter,
		logger:     logger.Named("pipeline"),
		processors: make(map[models.TaskType]runner.HandlerFunc),
	}
}

// BindProcessor attaches the real media-processing function for one stage.
func (p *Pipeline) BindProcessor(taskType models.TaskType, fn runner.HandlerFunc) {
	p.processors[taskType] = fn
}

// RegisterAll binds every pipeline stage into the registry.
func (p *Pipeline) RegisterAll(registry *runner.Registry) error {
	stages := map[models.TaskType]runner.HandlerFunc{
		models.TypeScan:              p.handleScan,
		models.TypePreprocessImage:   p.stageHandler(models.TypePreprocessImage),
		models.TypePreprocessVideo:   p.stageHandler(models.TypePreprocessVideo),
		models.TypePreprocessAudio:   p.stageHandler(models.TypePreprocessAudio),
		models.TypeSliceVideo:        p.stageHandler(models.TypeSliceVideo),
		models.TypeExtractImage:      p.stageHandler(models.TypeExtractImage),
		models.TypeExtractVideo:      p.stageHandler(models.TypeExtractVideo),
		models.TypeExtractAudio:      p.stageHandler(models.TypeExtractAudio),
		models.TypeGenerateThumbnail: p.stageHandler(models.TypeGenerateThumbnail),
		models.TypeGeneratePreview:   p.stageHandler(models.TypeGeneratePreview),
	}
	for taskType, fn := range stages {
		if err := registry.Register(taskType, fn); err != nil {
			return fmt.Errorf("registering pipeline stage %s: %w", taskType, err)
		}
	}
	return nil
}

// handleScan expands the scan payload into per-file stage chains. The
// payload carries the discovered files:
//
//	{"files": [{"file_id": "...", "media_type": "image|video|audio", "file_weight": 5}]}
func (p *Pipeline) handleScan(ctx context.Context, task *models.Task) (string, error) {
	rawFiles, ok := task.Payload["files"].([]any)
	if !ok {
		return "", fmt.Errorf("scan payload missing files list")
	}

	scheduled := 0
	for i, raw := range rawFiles {
		entry, ok := raw.(map[string]any)
		if !ok {
			return "", fmt.Errorf("scan payload entry %d is not an object", i)
		}
		fileID, _ := entry["file_id"].(string)
		mediaType, _ := entry["media_type"].(string)
		if fileID == "" || mediaType == "" {
			return "", fmt.Errorf("scan payload entry %d missing file_id or media_type", i)
		}
		fileWeight := models.DefaultFileWeight
		if w, ok := entry["file_weight"].(float64); ok {
			fileWeight = int(w)
		}

		count, err := p.expandFile(ctx, fileID, mediaType, fileWeight, entry)
		if err != nil {
			return "", fmt.Errorf("scheduling pipeline for file %s: %w", fileID, err)
		}
		scheduled += count

		p.submitter.Progress(ctx, task.ID, float64(i+1)/float64(len(rawFiles))*100, fmt.Sprintf("expanded %s", fileID))
	}

	return fmt.Sprintf("scheduled %d tasks for %d files", scheduled, len(rawFiles)), nil
}

// expandFile submits the stage chain for one discovered file. Dependencies
// encode the pipeline order; the file-group coordinator keeps the core chain
// contiguous at dispatch time.
func (p *Pipeline) expandFile(ctx context.Context, fileID, mediaType string, fileWeight int, payload map[string]any) (int, error) {
	var chain []models.TaskType
	switch mediaType {
	case "image":
		chain = []models.TaskType{models.TypePreprocessImage, models.TypeExtractImage}
	case "video":
		chain = []models.TaskType{models.TypePreprocessVideo, models.TypeSliceVideo, models.TypeExtractVideo}
	case "audio":
		chain = []models.TaskType{models.TypePreprocessAudio, models.TypeExtractAudio}
	default:
		return 0, fmt.Errorf("unknown media type %q", mediaType)
	}

	submit := func(taskType models.TaskType, deps []string) (string, error) {
		return p.submitter.Submit(ctx, orchestrator.SubmitRequest{
			Type:        taskType,
			OwnerFileID: fileID,
			Payload:     payload,
			FileWeight:  fileWeight,
			DependsOn:   deps,
		})
	}

	count := 0
	var prev string
	for _, taskType := range chain {
		var deps []string
		if prev != "" {
			deps = []string{prev}
		}
		id, err := submit(taskType, deps)
		if err != nil {
			return count, err
		}
		prev = id
		count++
	}

	// Auxiliary derivatives hang off the completed extraction stage.
	for _, aux := range []models.TaskType{models.TypeGenerateThumbnail, models.TypeGeneratePreview} {
		if _, err := submit(aux, []string{prev}); err != nil {
			return count, err
		}
		count++
	}

	p.logger.Debug("File pipeline scheduled",
		zap.String("file_id", fileID),
		zap.String("media_type", mediaType),
		zap.Int("tasks", count),
	)
	return count, nil
}

// stageHandler wraps one pipeline stage: it runs the bound processor when
// there is one and otherwise completes structurally.
func (p *Pipeline) stageHandler(taskType models.TaskType) runner.HandlerFunc {
	return func(ctx context.Context, task *models.Task) (string, error) {
		if fn, ok := p.processors[taskType]; ok && fn != nil {
			return fn(ctx, task)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		return fmt.Sprintf("%s completed (no processor bound)", taskType), nil
	}
}
