package orchestrator

import "time"

// SetScheduleEvery arms the fetch timer without going through the HH:MM form.
func (o *Orchestrator) SetScheduleEvery(id string, every time.Duration) {
	unlock := o.lockMode(id)
	defer unlock()
	o.startScheduled(id, every)
}
