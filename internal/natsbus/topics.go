package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicSweepEvents(sweepID string) string {
	return fmt.Sprintf("events.sweep.%s", sweepID)
}

const (
	// TopicEventsAll matches run, sweep and alert events alike.
	TopicEventsAll = "events.>"
	// TopicEventsAlerts carries attack and failure alerts.
	TopicEventsAlerts = "events.alerts"
)
