package monitoring

import "testing"

func TestParseDevicePayload(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
		pivotID string
		fields  int
	}{
		{name: "cloudv2", raw: "#01-PioneiraLEM_2-dataA$", pivotID: "PioneiraLEM_2", fields: 1},
		{name: "network", raw: "#11-PioneiraLEM_2-RSSI-wifi-ok$", pivotID: "PioneiraLEM_2", fields: 3},
		{name: "two fields", raw: " #10-Fazenda_Norte_12$ ", pivotID: "Fazenda_Norte_12", fields: 0},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "no sentinels", raw: "01-PioneiraLEM_2-x", wantErr: true},
		{name: "single field", raw: "#01$", wantErr: true},
		{name: "double underscore", raw: "#01-Pivo__3-x$", wantErr: true},
		{name: "no digits suffix", raw: "#01-Pivo_abc-x$", wantErr: true},
		{name: "monitored topic as id", raw: "#01-cloudv2-x$", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := ParseDevicePayload(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if payload.PivotID != tc.pivotID {
				t.Fatalf("expected pivot %s, got %s", tc.pivotID, payload.PivotID)
			}
			if len(payload.Fields) != tc.fields {
				t.Fatalf("expected %d fields, got %d", tc.fields, len(payload.Fields))
			}
		})
	}
}

func TestParseCloud2Tail_NegativeRSSI(t *testing.T) {
	payload, err := ParseDevicePayload("#02-PioneiraLEM_2--17-4G concentrador-01:30-v1.2-2024-05-01 10:00$")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rec := ParseCloud2Tail(payload.Tail)
	if rec.RSSI == nil || *rec.RSSI != -17 {
		t.Fatalf("expected rssi -17, got %v (raw %q)", rec.RSSI, rec.RSSIRaw)
	}
	if rec.Technology != "4G concentrador" {
		t.Fatalf("unexpected technology %q", rec.Technology)
	}
	if rec.DropDurationSec == nil || *rec.DropDurationSec != 90 {
		t.Fatalf("expected drop 90s, got %v", rec.DropDurationSec)
	}
	if rec.Firmware != "v1.2" {
		t.Fatalf("unexpected firmware %q", rec.Firmware)
	}
	if rec.EventDate != "2024-05-01 10:00" {
		t.Fatalf("unexpected event date %q", rec.EventDate)
	}
	if !rec.HasDrop() {
		t.Fatalf("expected drop")
	}
}

func TestParseCloud2Tail_CommaForm(t *testing.T) {
	rec := ParseCloud2Tail("21, LTE, 0, fw9, 2024-05-01")
	if rec.RSSI == nil || *rec.RSSI != 21 {
		t.Fatalf("expected rssi 21, got %v", rec.RSSI)
	}
	if rec.HasDrop() {
		t.Fatalf("zero duration must not be a drop")
	}
	if rec.EventDate != "2024-05-01" {
		t.Fatalf("unexpected event date %q", rec.EventDate)
	}
}

func TestParseDurationSeconds(t *testing.T) {
	cases := map[string]float64{
		"45":     45,
		"02:30":  150,
		"10s":    10,
		"3 min":  180,
		"2mins":  120,
		"1.5h":   5400,
		"2hrs":   7200,
		"30secs": 30,
	}
	for raw, want := range cases {
		got, ok := ParseDurationSeconds(raw)
		if !ok || got != want {
			t.Fatalf("%q: expected %v, got %v (ok=%v)", raw, want, got, ok)
		}
	}
	for _, raw := range []string{"", "abc", "1:75", "5 days", "-3"} {
		if _, ok := ParseDurationSeconds(raw); ok {
			t.Fatalf("%q should not parse", raw)
		}
	}
}

func TestParseRSSIPoint(t *testing.T) {
	if v, ok := ParseRSSIPoint("31"); !ok || v != 31 {
		t.Fatalf("expected 31")
	}
	for _, raw := range []string{"32", "-1", "RSSI", ""} {
		if _, ok := ParseRSSIPoint(raw); ok {
			t.Fatalf("%q should be filtered", raw)
		}
	}
}

func TestParseCoordinates(t *testing.T) {
	lat, lon, ok := ParseCoordinates([]string{"fw1", "lat=-21.5", "lon=-47.25"})
	if !ok || lat != -21.5 || lon != -47.25 {
		t.Fatalf("unexpected coordinates %v %v %v", lat, lon, ok)
	}
	if _, _, ok := ParseCoordinates([]string{"lat=95", "lon=1"}); ok {
		t.Fatalf("out of range latitude accepted")
	}
}

func TestPivotSlug(t *testing.T) {
	if got := PivotSlug("PioneiraLEM_2"); got != "pioneiralem-2" {
		t.Fatalf("unexpected slug %q", got)
	}
}

func TestTopics(t *testing.T) {
	if len(MonitoredTopics()) != 5 {
		t.Fatalf("expected five monitored topics")
	}
	if IsMonitoredTopic("PioneiraLEM_2") {
		t.Fatalf("pivot topic reported as monitored")
	}
	if !TopicCloudV2Info.IsProbeResponse() || TopicCloudV2Ping.IsProbeResponse() {
		t.Fatalf("unexpected probe response classification")
	}
	if TopicCloud2.IsConnectivity() {
		t.Fatalf("cloud2 is not a connectivity topic")
	}
}
