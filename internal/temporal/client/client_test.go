package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
)

func TestWorkflowID(t *testing.T) {
	require.Equal(t, "reconcile-evt_1", WorkflowID(reconcile.Job{EventID: "evt_1", Session: billing.Session{ID: "cs_1"}}))
	require.Equal(t, "reconcile-session-cs_1", WorkflowID(reconcile.Job{Session: billing.Session{ID: "cs_1"}}))
}
