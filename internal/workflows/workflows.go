// Package workflows lists the workflows compiled into the pewflow binary.
package workflows

import (
	"pewflow/internal/workflow"
	"pewflow/internal/workflows/helloworld"
)

// All returns fresh definitions of every built-in workflow.
func All() []workflow.Definition {
	return []workflow.Definition{
		helloworld.Definition(),
	}
}
