package feed

import (
	"errors"
	"testing"
	"time"
)

var received = time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)

func TestParseMessageEvent(t *testing.T) {
	frame := `{"Response":{"Event":"IMAGE-SAVE","Time":"2026-03-14T21:30:00.5+01:00",` +
		`"ImageStatistics":{"Filter":"Ha","ExposureTime":300}},"Success":true,"Error":"","StatusCode":200,"Type":"Socket"}`

	ev, ok, err := ParseMessage([]byte(frame), received)
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}
	if !ok {
		t.Fatal("ParseMessage() ok = false, want true")
	}
	if ev.Tag != "IMAGE-SAVE" {
		t.Errorf("tag = %q", ev.Tag)
	}
	want := time.Date(2026, 3, 14, 20, 30, 0, 500_000_000, time.UTC)
	if !ev.Time.Equal(want) || ev.Time.Location() != time.UTC {
		t.Errorf("time = %v, want %v in UTC", ev.Time, want)
	}
	if _, has := ev.Payload["Event"]; has {
		t.Error("payload still carries Event")
	}
	if _, has := ev.Payload["Time"]; has {
		t.Error("payload still carries Time")
	}
	if f, _ := ev.String("ImageStatistics.Filter"); f != "Ha" {
		t.Errorf("payload filter = %q, want Ha", f)
	}
}

func TestParseMessageMissingTimeUsesReceipt(t *testing.T) {
	ev, ok, err := ParseMessage([]byte(`{"Response":{"Event":"GUIDER-START"},"Success":true}`), received)
	if err != nil || !ok {
		t.Fatalf("ParseMessage() = %v, %v", ok, err)
	}
	if !ev.Time.Equal(received) {
		t.Errorf("time = %v, want receipt time %v", ev.Time, received)
	}
	if ev.Payload != nil {
		t.Errorf("payload = %v, want nil", ev.Payload)
	}
}

func TestParseMessageLocalTime(t *testing.T) {
	const stamp = "2026-03-14T21:30:00.1234567"
	want, err := time.ParseInLocation(localTimeLayout, stamp, time.Local)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok, err := ParseMessage([]byte(`{"Response":{"Event":"IMAGE-SAVE","Time":"`+stamp+`"}}`), received)
	if err != nil || !ok {
		t.Fatalf("ParseMessage() = %v, %v", ok, err)
	}
	if !ev.Time.Equal(want) {
		t.Errorf("time = %v, want %v", ev.Time, want)
	}
}

func TestParseMessageNoEvent(t *testing.T) {
	frames := []string{
		`{"Response":"Subscribed","Success":true,"Type":"Socket"}`,
		`{"Response":null,"Success":true}`,
		`{"Success":true}`,
	}
	for _, f := range frames {
		_, ok, err := ParseMessage([]byte(f), received)
		if err != nil {
			t.Errorf("ParseMessage(%s) error: %v", f, err)
		}
		if ok {
			t.Errorf("ParseMessage(%s) ok = true, want false", f)
		}
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `hello`, ErrMalformed},
		{"missing tag", `{"Response":{"Time":"2026-03-14T21:30:00Z"}}`, ErrMalformed},
		{"tag not a string", `{"Response":{"Event":42}}`, ErrMalformed},
		{"bad time", `{"Response":{"Event":"IMAGE-SAVE","Time":"yesterday"}}`, ErrMalformed},
		{"time not a string", `{"Response":{"Event":"IMAGE-SAVE","Time":12}}`, ErrMalformed},
		{"rejected", `{"Response":"","Success":false,"Error":"Unauthorized","StatusCode":401}`, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := ParseMessage([]byte(tt.frame), received)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if ok {
				t.Error("ok = true on error")
			}
		})
	}
}

func TestParseHistory(t *testing.T) {
	body := `{"Response":[
		{"Event":"SEQUENCE-STARTING","Time":"2026-03-14T21:00:00Z"},
		{"Time":"2026-03-14T21:01:00Z"},
		{"Event":"TS-NEWTARGETSTART","Time":"2026-03-14T21:02:00Z","TargetName":"M42"}
	],"Success":true,"StatusCode":200,"Type":"API"}`

	events, skipped, err := ParseHistory([]byte(body), received)
	if err != nil {
		t.Fatalf("ParseHistory() error: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if name, _ := events[1].String("TargetName"); name != "M42" {
		t.Errorf("target name = %q", name)
	}
}

func TestParseHistoryNotAList(t *testing.T) {
	_, _, err := ParseHistory([]byte(`{"Response":"nope","Success":true}`), received)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}
