package opcua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/fieldlink/internal/domain"
	"github.com/ghalamif/fieldlink/internal/ports"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

func TestResolveNodeID(t *testing.T) {
	id, err := ResolveNodeID(2, "Sim.Device1.Test1")
	if err != nil {
		t.Fatalf("resolve bare id: %v", err)
	}
	if id.Namespace() != 2 || id.StringID() != "Sim.Device1.Test1" {
		t.Fatalf("unexpected node id %s", id)
	}

	id, err = ResolveNodeID(2, "ns=3;i=1001")
	if err != nil {
		t.Fatalf("resolve full id: %v", err)
	}
	if id.Namespace() != 3 || id.IntID() != 1001 {
		t.Fatalf("full node id must be used as-is, got %s", id)
	}

	if _, err := ResolveNodeID(2, "  "); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestMonitorRequestDeadband(t *testing.T) {
	abs := 0.5
	p := domain.MonitoredPoint{NodeID: "x", SamplingInterval: 250 * time.Millisecond, DeadbandAbsolute: &abs}
	req := monitorRequest(ua.NewStringNodeID(2, "x"), 1, p)

	if req.RequestedParameters.SamplingInterval != 250 {
		t.Fatalf("expected sampling interval 250ms, got %v", req.RequestedParameters.SamplingInterval)
	}
	if req.RequestedParameters.Filter == nil {
		t.Fatalf("expected deadband filter")
	}
	f, ok := req.RequestedParameters.Filter.Value.(*ua.DataChangeFilter)
	if !ok || f.DeadbandType != uint32(ua.DeadbandTypeAbsolute) || f.DeadbandValue != 0.5 {
		t.Fatalf("unexpected filter %+v", req.RequestedParameters.Filter.Value)
	}

	rel := 10.0
	f = deadbandFilter(domain.MonitoredPoint{DeadbandRelative: &rel})
	if f == nil || f.DeadbandType != uint32(ua.DeadbandTypePercent) {
		t.Fatalf("expected percent deadband, got %+v", f)
	}
	if deadbandFilter(domain.MonitoredPoint{}) != nil {
		t.Fatalf("no deadband configured must yield no filter")
	}
}

func TestMonitorStatus(t *testing.T) {
	if err := monitorStatus(nil); err == nil {
		t.Fatalf("expected error on empty response")
	}
	bad := &ua.CreateMonitoredItemsResponse{Results: []*ua.MonitoredItemCreateResult{{StatusCode: ua.StatusBadNodeIDUnknown}}}
	if err := monitorStatus(bad); err == nil {
		t.Fatalf("expected error on bad status")
	}
	ok := &ua.CreateMonitoredItemsResponse{Results: []*ua.MonitoredItemCreateResult{{StatusCode: ua.StatusOK}}}
	if err := monitorStatus(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestToDataChange(t *testing.T) {
	src := time.UnixMilli(1000)
	dv := &ua.DataValue{
		Value:           ua.MustVariant(float64(1.5)),
		Status:          ua.StatusUncertain,
		SourceTimestamp: src,
	}
	change := toDataChange(dv)
	if change.Value != 1.5 || !change.SourceTime.Equal(src) || change.Err != nil {
		t.Fatalf("unexpected change %+v", change)
	}
	if domain.QualityFromStatus(change.Status) != domain.QualityUncertain {
		t.Fatalf("status not carried: %x", change.Status)
	}

	if change := toDataChange(nil); change.Err == nil {
		t.Fatalf("expected error for missing data value")
	}
}

func TestNormalizeSecurityMode(t *testing.T) {
	if normalizeSecurityMode("sign_and_encrypt") != "SignAndEncrypt" || normalizeSecurityMode("") != "None" {
		t.Fatalf("unexpected security mode normalisation")
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected endpoint validation error")
	}
	c, err := NewClient(Config{Endpoint: "opc.tcp://localhost:4840"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.RunIterate(context.Background(), time.Millisecond); !errors.Is(err, domain.ErrConnectionLost) {
		t.Fatalf("iterate without connection must report connection lost, got %v", err)
	}
}

func TestNotifySurvivesCallbackPanic(t *testing.T) {
	s := &subscription{}
	notif := &opcua.PublishNotificationData{Value: &ua.DataChangeNotification{
		MonitoredItems: []*ua.MonitoredItemNotification{
			{ClientHandle: 7, Value: &ua.DataValue{Value: ua.MustVariant(int32(3))}},
		},
	}}

	s.notify(notif, 7, func(ports.DataChange) { panic("sink exploded") })

	var got []ports.DataChange
	s.notify(notif, 7, func(c ports.DataChange) { got = append(got, c) })
	if len(got) != 1 || got[0].Value != int32(3) {
		t.Fatalf("expected delivery after a panicking callback, got %+v", got)
	}
}
