package longpoll

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// FieldSeparator separates key and values in the delimited wire encoding.
const FieldSeparator = "<<"

// ResultKind classifies the outcome of decoding one line.
type ResultKind int

const (
	ResultRejected ResultKind = iota
	ResultEvent
	ResultRoomChange
)

func (k ResultKind) String() string {
	switch k {
	case ResultEvent:
		return "event"
	case ResultRoomChange:
		return "room_change"
	default:
		return "rejected"
	}
}

// RejectReason explains why a line produced no event.
type RejectReason string

const (
	ReasonEmpty        RejectReason = "empty"
	ReasonMalformed    RejectReason = "malformed"
	ReasonTimestamp    RejectReason = "timestamp"
	ReasonFramework    RejectReason = "framework"
	ReasonNoDevice     RejectReason = "no_device"
	ReasonMissingValue RejectReason = "missing_value"
	ReasonPendingWrite RejectReason = "pending_write"
)

// DecodedEvent is one state change reported by the controller.
type DecodedEvent struct {
	Key       string
	Device    string
	Reading   string
	Value     string
	Timestamp time.Time
}

// RoomChange reports the full room list of a device.
type RoomChange struct {
	Device string
	Rooms  map[string]struct{}
}

// HasRoom reports whether the device is now in room.
func (r RoomChange) HasRoom(room string) bool {
	_, ok := r.Rooms[room]
	return ok
}

// Result is the decoder output for a single line.
type Result struct {
	Kind   ResultKind
	Event  DecodedEvent
	Room   RoomChange
	Reason RejectReason
	Err    error
}

func rejected(reason RejectReason, err error) Result {
	return Result{Kind: ResultRejected, Reason: reason, Err: err}
}

// keyRule drops records whose key matches; evaluated in order.
type keyRule struct {
	reason RejectReason
	match  func(key string) bool
}

var ignoredKeyRules = []keyRule{
	{reason: ReasonTimestamp, match: func(key string) bool { return strings.HasSuffix(key, "-ts") }},
	{reason: ReasonFramework, match: func(key string) bool { return strings.HasPrefix(key, "#FHEMWEB:") }},
}

var roomKeyPattern = regexp.MustCompile(`^([^-]+)-a-room$`)

// pendingWritePrefix marks a value the controller echoes before applying a set command.
const pendingWritePrefix = "set-"

var keyNormalizer = strings.NewReplacer(".", "_", "#", "_", "[", "_", "]", "_", "$", "_")

// NormalizeKey replaces characters that are reserved in downstream key paths.
func NormalizeKey(key string) string {
	return keyNormalizer.Replace(key)
}

// Decoder turns wire lines into events.
type Decoder struct {
	now func() time.Time
}

// NewDecoder constructs a decoder. A nil clock uses time.Now.
func NewDecoder(now func() time.Time) *Decoder {
	if now == nil {
		now = time.Now
	}
	return &Decoder{now: now}
}

// Decode classifies one line. It never panics on malformed input.
func (d *Decoder) Decode(line string) Result {
	if line == "" {
		return rejected(ReasonEmpty, nil)
	}
	fields, err := splitFields(line)
	if err != nil {
		return rejected(ReasonMalformed, err)
	}
	if len(fields) == 0 {
		return rejected(ReasonMalformed, errors.New("longpoll: empty record"))
	}
	key := fields[0]

	for _, rule := range ignoredKeyRules {
		if rule.match(key) {
			return rejected(rule.reason, nil)
		}
	}

	if match := roomKeyPattern.FindStringSubmatch(key); match != nil {
		var list string
		if len(fields) > 1 {
			list = fields[1]
		}
		return Result{Kind: ResultRoomChange, Room: RoomChange{Device: match[1], Rooms: splitRooms(list)}}
	}

	device, reading, ok := strings.Cut(key, "-")
	if !ok || device == "" {
		return rejected(ReasonNoDevice, nil)
	}
	if len(fields) < 2 {
		return rejected(ReasonMissingValue, nil)
	}
	value := fields[1]
	if strings.HasPrefix(value, pendingWritePrefix) {
		return rejected(ReasonPendingWrite, nil)
	}

	return Result{
		Kind: ResultEvent,
		Event: DecodedEvent{
			Key:       NormalizeKey(key),
			Device:    device,
			Reading:   reading,
			Value:     value,
			Timestamp: d.now(),
		},
	}
}

func splitFields(line string) ([]string, error) {
	if strings.HasPrefix(line, "[") {
		return parseArray(line)
	}
	return strings.SplitN(line, FieldSeparator, 3), nil
}

func parseArray(line string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("longpoll: parse array: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("longpoll: parse array: trailing data")
	}
	fields := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case nil:
			fields = append(fields, "")
		case string:
			fields = append(fields, v)
		case json.Number:
			fields = append(fields, v.String())
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("longpoll: parse array: %w", err)
			}
			fields = append(fields, string(bytes.TrimSpace(encoded)))
		}
	}
	return fields, nil
}

func splitRooms(list string) map[string]struct{} {
	rooms := make(map[string]struct{})
	for _, room := range strings.Split(list, ",") {
		room = strings.TrimSpace(room)
		if room != "" {
			rooms[room] = struct{}{}
		}
	}
	return rooms
}
