package agent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/executor"
	"github.com/theredstring/redstring-bridge/pkg/models"
	"github.com/theredstring/redstring-bridge/pkg/queue"
)

// EnqueueGoal pushes a service-originated goal (continuation phases,
// audits, the queue HTTP surface) and emits GOAL_ENQUEUED.
func (s *Service) EnqueueGoal(goal *models.Goal) (string, error) {
	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	if _, err := s.queues.Enqueue(queue.GoalQueue, goal,
		queue.WithType(goal.Goal), queue.WithPartition(goal.ThreadID)); err != nil {
		return "", fmt.Errorf("enqueueing goal: %w", err)
	}
	s.log.Append(events.TypeGoalEnqueued, map[string]any{
		"cid":    goal.ThreadID,
		"goal":   goal.Goal,
		"goalId": goal.ID,
	})
	return goal.ID, nil
}

func (s *Service) enqueueAuditGoal(cid, graphID, action string, nodeCount, edgeCount int) (string, error) {
	return s.EnqueueGoal(&models.Goal{
		Goal:     executor.ToolAuditGraph,
		ThreadID: cid,
		DAG: models.DAG{Tasks: []models.Task{{
			ToolName: executor.ToolAuditGraph,
			ThreadID: cid,
			Args: map[string]any{
				"graphId":   graphID,
				"action":    action,
				"nodeCount": nodeCount,
				"edgeCount": edgeCount,
			},
		}}},
	})
}
