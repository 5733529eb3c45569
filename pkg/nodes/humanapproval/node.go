// Package humanapproval pauses an execution until a person decides.
package humanapproval

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

// ApprovalNode suspends the execution and exposes approved and rejected
// resume ports. The engine snapshots the execution state; a later approval
// decision resumes it down the matching port.
type ApprovalNode struct {
	id        string
	reason    string
	expiresIn time.Duration
}

func NewApprovalNode(id string, config map[string]any) (*ApprovalNode, error) {
	reason, _ := config["reason"].(string)
	if reason == "" {
		reason = "approval required"
	}

	var expiresIn time.Duration

	if raw, ok := config["expires_in"].(string); ok && raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid expires_in: %w", err)
		}

		expiresIn = parsed
	}

	return &ApprovalNode{id: id, reason: reason, expiresIn: expiresIn}, nil
}

func (n *ApprovalNode) ID() string {
	return n.id
}

func (n *ApprovalNode) Type() string {
	return "humanapproval"
}

func (n *ApprovalNode) Execute(_ context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	reason, err := template.Resolve(n.reason, state)
	if err != nil {
		return nil, fmt.Errorf("approval reason resolution: %w", err)
	}

	suspend := &protocol.SuspendRequest{
		Reason:      fmt.Sprintf("%v", reason),
		ResumePorts: []string{models.PortApproved, models.PortRejected},
	}

	if n.expiresIn > 0 {
		expiresAt := time.Now().UTC().Add(n.expiresIn)
		suspend.ExpiresAt = &expiresAt
	}

	return &protocol.Result{Suspend: suspend}, nil
}
