package registry

import (
	"github.com/loomhq/loom/pkg/nodes/conditional"
	"github.com/loomhq/loom/pkg/nodes/httprequest"
	"github.com/loomhq/loom/pkg/nodes/humanapproval"
	lognode "github.com/loomhq/loom/pkg/nodes/log"
	"github.com/loomhq/loom/pkg/nodes/loop"
	"github.com/loomhq/loom/pkg/nodes/merge"
	"github.com/loomhq/loom/pkg/nodes/parallel"
	"github.com/loomhq/loom/pkg/nodes/setvariable"
	switchnode "github.com/loomhq/loom/pkg/nodes/switch"
	"github.com/loomhq/loom/pkg/nodes/transform"
	"github.com/loomhq/loom/pkg/nodes/trigger"
)

// RegisterDefaultNodes registers the built-in node types.
func RegisterDefaultNodes(r *Registry) {
	r.RegisterNode(trigger.NewFactory())
	r.RegisterNode(conditional.NewFactory())
	r.RegisterNode(switchnode.NewFactory())
	r.RegisterNode(loop.NewFactory())
	r.RegisterNode(parallel.NewFactory())
	r.RegisterNode(merge.NewFactory())
	r.RegisterNode(humanapproval.NewFactory())
	r.RegisterNode(transform.NewFactory())
	r.RegisterNode(setvariable.NewFactory())
	r.RegisterNode(httprequest.NewFactory())
	r.RegisterNode(lognode.NewFactory())
}
