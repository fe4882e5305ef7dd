package assets

import (
	"slices"

	"github.com/dukex/nodeflow/pkg/models"
)

// Consumers returns the nodes whose current bindings reference any of ids, in
// instance order.
func Consumers(instance *models.WorkflowInstance, ids ...string) []string {
	var nodes []string

	for _, tool := range instance.Tools {
		for _, bound := range tool.Inputs {
			if slices.Contains(ids, bound) {
				nodes = append(nodes, tool.NodeID)

				break
			}
		}
	}

	return nodes
}

// PendingRunsReferencing returns the runs not yet started that froze one of ids
// as an input.
func PendingRunsReferencing(instance *models.WorkflowInstance, ids ...string) []*models.ToolRun {
	var runs []*models.ToolRun

	for _, tool := range instance.Tools {
		if tool.PendingRunID == "" {
			continue
		}

		run := instance.Run(tool.PendingRunID)
		if run == nil || run.StartedAt != nil {
			continue
		}

		for _, frozen := range run.Inputs {
			if slices.Contains(ids, frozen) {
				runs = append(runs, run)

				break
			}
		}
	}

	return runs
}

// References returns every asset id held by a binding or by the frozen inputs
// of a node's latest or pending run. Older runs can no longer be retried and
// do not keep assets alive.
func References(instance *models.WorkflowInstance) map[string]bool {
	referenced := make(map[string]bool)

	for _, tool := range instance.Tools {
		for _, id := range tool.Inputs {
			referenced[id] = true
		}

		runs := []*models.ToolRun{instance.LatestRun(tool.NodeID), instance.Run(tool.PendingRunID)}
		for _, run := range runs {
			if run == nil {
				continue
			}

			for _, id := range run.Inputs {
				referenced[id] = true
			}
		}
	}

	return referenced
}
