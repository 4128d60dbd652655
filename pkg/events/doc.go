/*
Package events provides an in-process event broker for the dispatch plane.

Components publish typed lifecycle events (task queued, started, completed,
retry scheduled, dead-lettered, worker dead, breaker opened, ...) and
observers subscribe through buffered channels. Slow subscribers are skipped
rather than blocking the publisher.

This broker is process-local. Cross-process observers consume the completion
and alert pub/sub channels exposed by pkg/broker; the workflow engine in
particular is driven by the fabric's completion channel, not by this one.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			fmt.Println(event.Type, event.TaskID)
		}
	}()

	broker.Publish(&events.Event{
		Type:   events.EventTaskQueued,
		TaskID: task.ID,
	})
*/
package events
