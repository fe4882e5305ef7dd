package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/provider"
)

// TextRender renders params["template"] with the run's params and inputs and
// emits the result as an inline text asset.
type TextRender struct {
	now func() time.Time
}

func NewTextRender() *TextRender {
	return &TextRender{now: time.Now}
}

func (t *TextRender) Run(ctx context.Context, task provider.LocalTask) (map[string]models.OutputAsset, error) {
	source, ok := task.Params["template"].(string)
	if !ok {
		return nil, errors.New("missing required param 'template'")
	}

	if task.IsCancelled != nil && task.IsCancelled() {
		return nil, context.Canceled
	}

	result, err := t.Render(source, renderData(task))
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if task.Progress != nil {
		task.Progress(1)
	}

	asset, err := inlineText(result)
	if err != nil {
		return nil, err
	}

	return map[string]models.OutputAsset{OutputPortText: asset}, nil
}

// Render executes a text/template source against data.
func (t *TextRender) Render(source string, data any) (string, error) {
	tmpl, err := template.
		New("render").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return t.now().UTC().Format(time.RFC3339)
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
		}).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}

func renderData(task provider.LocalTask) map[string]any {
	inputs := make(map[string]any, len(task.Inputs))
	for port, input := range task.Inputs {
		inputs[port] = map[string]any{
			"id":       input.ID,
			"type":     string(input.Type),
			"location": input.Location,
		}
	}

	return map[string]any{
		"params": task.Params,
		"inputs": inputs,
		"run": map[string]any{
			"id":          task.RunID,
			"workflow_id": task.WorkflowID,
			"node_id":     task.NodeID,
		},
	}
}
