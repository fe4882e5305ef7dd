// Package tools holds the local tools shipped with the runtime.
package tools

import (
	"encoding/json"
	"log/slog"

	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/registry"
)

const (
	KindTextRender  = "text.render"
	KindLog         = "log"
	KindHTTPRequest = "http.request"
	KindHumanInput  = "human.input"

	OutputPortText = "text"
)

// RegisterBuiltins installs the built-in local tools and the human-input kind.
func RegisterBuiltins(reg *registry.Registry, logger *slog.Logger) {
	reg.RegisterLocal(KindTextRender, NewTextRender())
	reg.RegisterLocal(KindLog, NewLog(logger))
	reg.RegisterLocal(KindHTTPRequest, NewHTTPRequest(logger))
	reg.RegisterHuman(KindHumanInput)
}

func inlineText(text string) (models.OutputAsset, error) {
	metadata, err := json.Marshal(text)
	if err != nil {
		return models.OutputAsset{}, err
	}

	return models.OutputAsset{Type: models.PortTypeText, Location: awaits.InlineLocation, Metadata: metadata}, nil
}
