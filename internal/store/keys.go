package store

import "fmt"

// Key builders for the shared KV store namespaces (spec.md §6).
const (
	NamespaceUserAssignments = "user_assignments"
)

func QueueCriticalKey(id string) string       { return fmt.Sprintf("queue:critical:%s", id) }
func ScheduledKey(dueAtUnix int64, id string) string {
	return fmt.Sprintf("scheduled:%d:%s", dueAtUnix, id)
}
func L2Key(key string) string      { return fmt.Sprintf("l2:%s", key) }
func L3Key(key string) string      { return fmt.Sprintf("l3:%s", key) }
func SnapshotKey(version int64) string { return fmt.Sprintf("snapshot:%d", version) }
func MetricLatestKey(name string) string { return fmt.Sprintf("metric:%s:latest", name) }
func MetricSeriesKey(name string) string { return fmt.Sprintf("metric:%s:series", name) }
func AlertKey(ts int64, rule string) string { return fmt.Sprintf("alert:%d:%s", ts, rule) }
