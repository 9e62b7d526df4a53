package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ghalamif/fieldlink/internal/ports"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

type subscription struct {
	owner *Client
	sub   *opcua.Subscription

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) Cancel(ctx context.Context) error {
	s.stop()
	<-s.exited
	s.owner.forget(s)
	if err := s.sub.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *subscription) dispatch(ch <-chan *opcua.PublishNotificationData, handle uint32, onChange func(ports.DataChange)) {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case notif := <-ch:
			s.notify(notif, handle, onChange)
		}
	}
}

// notify keeps a panicking callback from ending the dispatch loop.
func (s *subscription) notify(notif *opcua.PublishNotificationData, handle uint32, onChange func(ports.DataChange)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notification_panic", "handle", handle, "panic", fmt.Sprint(r))
		}
	}()
	if notif == nil {
		return
	}
	if notif.Error != nil {
		onChange(ports.DataChange{Err: notif.Error})
		return
	}
	data, ok := notif.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, item := range data.MonitoredItems {
		if item == nil || item.ClientHandle != handle {
			continue
		}
		onChange(toDataChange(item.Value))
	}
}

func toDataChange(dv *ua.DataValue) ports.DataChange {
	if dv == nil {
		return ports.DataChange{Err: errors.New("notification without data value")}
	}
	change := ports.DataChange{
		Status:     uint32(dv.Status),
		SourceTime: dv.SourceTimestamp,
		ServerTime: dv.ServerTimestamp,
	}
	if dv.Value != nil {
		change.Value = dv.Value.Value()
	}
	return change
}
