package notify

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

const DefaultScheduleTimeout = 5 * time.Second

// Dispatcher hands notifications to the notifier without blocking the caller.
// Failures are logged and dropped.
type Dispatcher struct {
	notifier chatstore.INotifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(notifier chatstore.INotifier) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		timeout:  DefaultScheduleTimeout,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ns []*chatstore.Notification) {
	for _, n := range ns {
		d.wg.Add(1)
		go func(n *chatstore.Notification) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			if err := d.notifier.Schedule(ctx, n); err != nil {
				scheduleErrorsTotal.Inc()
				glog.Errorf("notify: schedule message %s: %v", n.Data["messageId"], err)
				return
			}
			glog.V(5).Infof("notify: scheduled message %s", n.Data["messageId"])
		}(n)
	}
}

// Wait waits for in-flight schedules.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
