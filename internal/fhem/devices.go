package fhem

import "encoding/json"

// DeviceList is the jsonlist2 response.
type DeviceList struct {
	Arg                  string   `json:"Arg"`
	TotalResultsReturned int      `json:"totalResultsReturned"`
	Results              []Device `json:"Results"`
}

// Reading is one reading value with its controller timestamp.
type Reading struct {
	Value string `json:"Value"`
	Time  string `json:"Time"`
}

// Device is one jsonlist2 result. Raw keeps the full document for storage.
type Device struct {
	Name       string             `json:"Name"`
	Internals  map[string]any     `json:"Internals"`
	Readings   map[string]Reading `json:"Readings"`
	Attributes map[string]string  `json:"Attributes"`
	Raw        json.RawMessage    `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the raw document.
func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*d = Device(decoded)
	d.Raw = append(json.RawMessage(nil), data...)
	if d.Name == "" {
		if name, ok := d.Internals["NAME"].(string); ok {
			d.Name = name
		}
	}
	return nil
}

// Room returns the comma-separated room attribute.
func (d Device) Room() string {
	return d.Attributes["room"]
}
