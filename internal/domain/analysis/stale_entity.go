package analysis

import "time"

// TaskProfile describes a task a worker node reports as executing.
type TaskProfile struct {
	nodeID     string
	detectorID string
	taskID     string
	entity     string
	startedAt  time.Time
}

// NewTaskProfile creates a new TaskProfile instance.
func NewTaskProfile(nodeID, detectorID, taskID, entity string, startedAt time.Time) TaskProfile {
	return TaskProfile{
		nodeID:     nodeID,
		detectorID: detectorID,
		taskID:     taskID,
		entity:     entity,
		startedAt:  startedAt,
	}
}

func (p TaskProfile) NodeID() string       { return p.nodeID }
func (p TaskProfile) DetectorID() string   { return p.detectorID }
func (p TaskProfile) TaskID() string       { return p.taskID }
func (p TaskProfile) Entity() string       { return p.entity }
func (p TaskProfile) StartedAt() time.Time { return p.startedAt }

// RunningEntity is an entity the coordinator has in its running set.
type RunningEntity struct {
	detectorID string
	entity     string
	node       string
	since      time.Time
}

// NewRunningEntity creates a new RunningEntity instance.
func NewRunningEntity(detectorID, entity, node string, since time.Time) RunningEntity {
	return RunningEntity{detectorID: detectorID, entity: entity, node: node, since: since}
}

func (r RunningEntity) DetectorID() string { return r.detectorID }
func (r RunningEntity) Entity() string     { return r.entity }
func (r RunningEntity) Node() string       { return r.node }
func (r RunningEntity) Since() time.Time   { return r.since }

// FindStaleEntities returns, per detector, running entities older than the
// cutoff that no worker profile reports.
func FindStaleEntities(running []RunningEntity, profiles []TaskProfile, cutoff time.Time) map[string][]string {
	type key struct{ detectorID, entity string }
	live := make(map[key]struct{}, len(profiles))
	for _, p := range profiles {
		live[key{p.detectorID, p.entity}] = struct{}{}
	}

	stale := make(map[string][]string)
	for _, r := range running {
		if r.since.After(cutoff) {
			continue
		}
		if _, ok := live[key{r.detectorID, r.entity}]; ok {
			continue
		}
		stale[r.detectorID] = append(stale[r.detectorID], r.entity)
	}
	return stale
}
