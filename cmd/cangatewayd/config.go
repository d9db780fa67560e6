// Daemon configuration, loaded from an .ini file via a load-then-walk
// section/key pattern. Defaults are applied in code; the file only
// overrides what it explicitly sets.
package main

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds every daemon-level setting.
type Config struct {
	Bus struct {
		Interface string
		Baud      int
	}
	Scan struct {
		Start uint8
		End   uint8
	}
	Persistence struct {
		DevicesPath string
		SchemaDir   string
	}
	Timeouts struct {
		TickIdle time.Duration
	}
	Metrics struct {
		Addr    string
		Enabled bool
	}
}

// Default returns the daemon's built-in defaults, applied before any
// .ini file is consulted.
func Default() Config {
	var c Config
	c.Bus.Interface = "can0"
	c.Bus.Baud = 500000
	c.Scan.Start = 1
	c.Scan.End = 63
	c.Persistence.DevicesPath = "/var/lib/cangatewayd/devices.json"
	c.Persistence.SchemaDir = "/var/lib/cangatewayd/schemas"
	c.Timeouts.TickIdle = 5 * time.Millisecond
	c.Metrics.Addr = ":9102"
	c.Metrics.Enabled = true
	return c
}

// LoadConfig reads path and overrides Default()'s values with whatever
// sections/keys are present, walking the file section by section.
func LoadConfig(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return c, err
	}

	if s := f.Section("bus"); s != nil {
		if k := s.Key("interface"); k.String() != "" {
			c.Bus.Interface = k.String()
		}
		if v, err := s.Key("baud").Int(); err == nil && v != 0 {
			c.Bus.Baud = v
		}
	}
	if s := f.Section("scan"); s != nil {
		if v, err := s.Key("start").Int(); err == nil {
			c.Scan.Start = uint8(v)
		}
		if v, err := s.Key("end").Int(); err == nil {
			c.Scan.End = uint8(v)
		}
	}
	if s := f.Section("persistence"); s != nil {
		if v := s.Key("devices_path").String(); v != "" {
			c.Persistence.DevicesPath = v
		}
		if v := s.Key("schema_dir").String(); v != "" {
			c.Persistence.SchemaDir = v
		}
	}
	if s := f.Section("timeouts"); s != nil {
		if v, err := s.Key("tick_idle_ms").Int(); err == nil && v != 0 {
			c.Timeouts.TickIdle = time.Duration(v) * time.Millisecond
		}
	}
	if s := f.Section("metrics"); s != nil {
		if v := s.Key("addr").String(); v != "" {
			c.Metrics.Addr = v
		}
		if v, err := s.Key("enabled").Bool(); err == nil {
			c.Metrics.Enabled = v
		}
	}
	return c, nil
}
