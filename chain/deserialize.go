package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zuko-freemind/taskcore/core"
	"github.com/zuko-freemind/taskcore/task"
)

// Deserialize reconstructs a chain Task from a blob produced by
// Chain.SerializeFields plus Task.Serialize's core fields. Children are
// rebuilt via registry, by dynamic kind lookup, never by reflection.
func Deserialize(blob map[string]interface{}, registry *task.Registry, clock core.Clock, logger core.Logger, pausePollInterval time.Duration) (*task.Task, error) {
	// Normalize an in-process blob to its JSON-decoded shape so the child
	// list and numeric fields read the same whether or not it went through a store.
	if raw, err := json.Marshal(blob); err == nil {
		var decoded map[string]interface{}
		if json.Unmarshal(raw, &decoded) == nil {
			blob = decoded
		}
	}
	rawChildren, _ := blob["tasks"].([]interface{})
	children := make([]*task.Task, 0, len(rawChildren))
	for _, rc := range rawChildren {
		childBlob, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		child, err := registry.Deserialize(childBlob)
		if err != nil {
			return nil, fmt.Errorf("chain: deserializing child: %w", err)
		}
		children = append(children, child)
	}

	behaviorMap := make(map[string]RetryBehavior)
	if raw, ok := blob["retryBehaviorMap"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				behaviorMap[k] = RetryBehavior(s)
			}
		}
	}

	maxChainRetries := 0
	if v, ok := blob["maxRetries"].(float64); ok {
		maxChainRetries = int(v)
	}

	id, _ := blob["id"].(string)
	name, _ := blob["name"].(string)
	description, _ := blob["description"].(string)

	owner := New(id, name, description, children, behaviorMap, maxChainRetries, clock, logger, pausePollInterval)
	c := owner.Body.(*Chain)

	if idx, ok := blob["currentTaskIndex"].(float64); ok {
		c.currentIndex = int(idx)
	}
	if attempts, ok := blob["chainRetryAttempts"].(float64); ok {
		c.chainRetryAttempts = int(attempts)
	}
	if ctxBlob, ok := blob["chainContext"].(map[string]interface{}); ok {
		c.chainContext = task.DeserializeChainContext(ctxBlob)
	}
	if states, ok := blob["taskStates"].(map[string]interface{}); ok {
		for childID, raw := range states {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			st := ChildState{}
			if s, ok := entry["status"].(string); ok {
				st.Status = task.Status(s)
			}
			if e, ok := entry["error"].(map[string]interface{}); ok {
				st.Error = &task.Error{}
				if m, ok := e["message"].(string); ok {
					st.Error.Message = m
				}
				if k, ok := e["kind"].(string); ok {
					st.Error.Kind = k
				}
			}
			c.taskStates[childID] = st
		}
	}

	task.PopulateCoreFields(owner, blob)
	return owner, nil
}
