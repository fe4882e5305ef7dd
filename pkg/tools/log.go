package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/provider"
)

// Log writes params["message"] at params["level"] and echoes it on the text port.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("module", "tools", "tool", KindLog)}
}

func (l *Log) Run(ctx context.Context, task provider.LocalTask) (map[string]models.OutputAsset, error) {
	message, ok := task.Params["message"].(string)
	if !ok {
		return nil, errors.New("missing required param 'message'")
	}

	level := slog.LevelInfo
	if name, ok := task.Params["level"].(string); ok {
		if err := level.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
	}

	l.logger.Log(ctx, level, message, "workflow_id", task.WorkflowID, "node_id", task.NodeID, "run_id", task.RunID)

	if task.Log != nil {
		task.Log(message)
	}

	asset, err := inlineText(message)
	if err != nil {
		return nil, err
	}

	return map[string]models.OutputAsset{OutputPortText: asset}, nil
}
