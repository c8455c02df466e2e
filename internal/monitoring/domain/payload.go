package monitoring

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ProbePayload is the outbound liveness request.
const ProbePayload = "#11$"

var (
	pivotIDPattern   = regexp.MustCompile(`^[A-Za-z]+_[A-Za-z0-9]*_?\d+$`)
	slugInvalidChars = regexp.MustCompile(`[^a-z0-9]+`)
	durationPattern  = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-z]+)$`)
)

var (
	errEmptyPayload     = errors.New("payload vazio")
	errMissingSentinels = errors.New("payload sem delimitadores # e $")
	errTooFewFields     = errors.New("payload com menos de dois campos")
	errInvalidPivotID   = errors.New("pivot_id invalido")
)

// DevicePayload is a parsed `#<IDP>-<pivot_id>[-...]$` message.
type DevicePayload struct {
	IDP     string   `json:"idp"`
	PivotID string   `json:"pivot_id"`
	Fields  []string `json:"fields,omitempty"`
	// Tail is the raw text after "<IDP>-<pivot_id>-", used by cloud2.
	Tail string `json:"tail,omitempty"`
}

// ValidPivotID reports whether id follows the pivot naming grammar.
func ValidPivotID(id string) bool {
	if id == "" || strings.Contains(id, "__") {
		return false
	}
	return pivotIDPattern.MatchString(id)
}

// PivotSlug sanitizes a pivot id for file names and URLs.
func PivotSlug(id string) string {
	slug := slugInvalidChars.ReplaceAllString(strings.ToLower(id), "-")
	return strings.Trim(slug, "-")
}

// ParseDevicePayload parses a device message.
func ParseDevicePayload(raw string) (DevicePayload, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return DevicePayload{}, errEmptyPayload
	}
	if len(text) < 2 || !strings.HasPrefix(text, "#") || !strings.HasSuffix(text, "$") {
		return DevicePayload{}, errMissingSentinels
	}
	inner := text[1 : len(text)-1]
	parts := strings.Split(inner, "-")
	if len(parts) < 2 {
		return DevicePayload{}, errTooFewFields
	}
	idp := strings.TrimSpace(parts[0])
	pivotID := strings.TrimSpace(parts[1])
	if idp == "" || pivotID == "" {
		return DevicePayload{}, errTooFewFields
	}
	if !ValidPivotID(pivotID) {
		return DevicePayload{}, errInvalidPivotID
	}

	payload := DevicePayload{IDP: idp, PivotID: pivotID}
	if len(parts) > 2 {
		payload.Fields = make([]string, 0, len(parts)-2)
		for _, field := range parts[2:] {
			payload.Fields = append(payload.Fields, strings.TrimSpace(field))
		}
		prefixLen := len(parts[0]) + 1 + len(parts[1]) + 1
		payload.Tail = strings.TrimSpace(inner[prefixLen:])
	}
	return payload, nil
}

// Cloud2Record is the device metadata carried by cloud2 messages.
type Cloud2Record struct {
	RSSI            *int     `json:"rssi,omitempty"`
	RSSIRaw         string   `json:"rssi_raw,omitempty"`
	Technology      string   `json:"technology,omitempty"`
	DropDurationRaw string   `json:"drop_duration_raw,omitempty"`
	DropDurationSec *float64 `json:"drop_duration_sec,omitempty"`
	Firmware        string   `json:"firmware,omitempty"`
	EventDate       string   `json:"event_date,omitempty"`
	TS              float64  `json:"ts,omitempty"`
}

// HasDrop reports whether the record describes a connectivity drop.
func (r Cloud2Record) HasDrop() bool {
	return r.DropDurationSec != nil && *r.DropDurationSec > 0
}

// ParseCloud2Tail parses `[-]?RSSI, TECH, DURATION, FIRMWARE, DATE`.
// A leading "-" comes from the `--N` form and belongs to the RSSI.
func ParseCloud2Tail(tail string) Cloud2Record {
	tail = strings.TrimSpace(tail)
	var tokens []string
	if strings.Contains(tail, ",") {
		for _, token := range strings.Split(tail, ",") {
			tokens = append(tokens, strings.TrimSpace(token))
		}
	} else {
		raw := strings.Split(tail, "-")
		if len(raw) > 1 && strings.TrimSpace(raw[0]) == "" {
			raw = append([]string{"-" + strings.TrimSpace(raw[1])}, raw[2:]...)
		}
		for i, token := range raw {
			if i == 4 {
				tokens = append(tokens, strings.TrimSpace(strings.Join(raw[4:], "-")))
				break
			}
			tokens = append(tokens, strings.TrimSpace(token))
		}
	}

	var rec Cloud2Record
	get := func(i int) string {
		if i < len(tokens) {
			return tokens[i]
		}
		return ""
	}
	rec.RSSIRaw = get(0)
	if rec.RSSIRaw != "" {
		if v, err := strconv.Atoi(strings.ReplaceAll(rec.RSSIRaw, " ", "")); err == nil {
			rec.RSSI = &v
		}
	}
	rec.Technology = get(1)
	rec.DropDurationRaw = get(2)
	if sec, ok := ParseDurationSeconds(rec.DropDurationRaw); ok {
		rec.DropDurationSec = &sec
	}
	rec.Firmware = get(3)
	if len(tokens) > 4 {
		rec.EventDate = strings.Join(tokens[4:], ", ")
	}
	return rec
}

// ParseDurationSeconds accepts `N`, `MM:SS` or `<num><unit>`.
func ParseDurationSeconds(raw string) (float64, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	}
	if strings.Contains(value, ":") {
		parts := strings.Split(value, ":")
		if len(parts) != 2 {
			return 0, false
		}
		minutes, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || minutes < 0 {
			return 0, false
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || seconds < 0 || seconds >= 60 {
			return 0, false
		}
		return float64(minutes*60 + seconds), true
	}
	match := durationPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	switch match[2] {
	case "s", "sec", "secs":
		return n, true
	case "m", "min", "mins":
		return n * 60, true
	case "h", "hr", "hrs":
		return n * 3600, true
	default:
		return 0, false
	}
}

// ParseRSSIPoint returns a ping RSSI value when it is an integer in 0..31.
func ParseRSSIPoint(raw string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 || v > 31 {
		return 0, false
	}
	return v, true
}

// ParseCoordinates extracts `lat=<f>` and `lon=<f>` fields.
func ParseCoordinates(fields []string) (lat, lon float64, ok bool) {
	var haveLat, haveLon bool
	for _, field := range fields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			key, value, found = strings.Cut(field, ":")
		}
		if !found {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "lat", "latitude":
			if f >= -90 && f <= 90 {
				lat, haveLat = f, true
			}
		case "lon", "lng", "longitude":
			if f >= -180 && f <= 180 {
				lon, haveLon = f, true
			}
		}
	}
	return lat, lon, haveLat && haveLon
}

// Excerpt trims raw payloads stored in diagnostics.
func Excerpt(raw string, limit int) string {
	raw = strings.TrimSpace(raw)
	if limit <= 0 || len(raw) <= limit {
		return raw
	}
	return raw[:limit] + "..."
}
