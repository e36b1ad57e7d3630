// Package config is the out-of-core-scope "command-line parsing and
// configuration loading" collaborator (spec.md §1). It binds flags through
// spf13/pflag into spf13/viper, in the style nabbar-golib/config and
// rclone's cmd package wire cobra+viper: a root command registers flags,
// viper binds them, and Load materializes a plain Config struct.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every knob the core subsystem needs. None of this is part of
// the core's specified interface; it only exists so cmd/clddd has something
// concrete to construct the core from.
type Config struct {
	ManagementPort  uint16
	StreamPortBase  uint16
	LogLevel        string
	TelemetryCSVPath string
	StreamTick      time.Duration
	TelemetryTick   time.Duration
	MuxTimeout      time.Duration
}

// Defaults returns the spec-mandated defaults: management port 10000,
// stream port base 10500, 100ms ticks for stream/telemetry, 1s mux wait.
func Defaults() Config {
	return Config{
		ManagementPort:   10000,
		StreamPortBase:   10500,
		LogLevel:         "info",
		TelemetryCSVPath: "clddd-telemetry.csv",
		StreamTick:       100 * time.Millisecond,
		TelemetryTick:    100 * time.Millisecond,
		MuxTimeout:       1 * time.Second,
	}
}

// BindFlags registers the daemon's flags on fs and binds them into v, using
// Defaults() for fallback values. Call this once from the cobra root
// command's Flags().
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := Defaults()

	fs.Uint16("mgmt-port", d.ManagementPort, "TCP management port")
	fs.Uint16("stream-port-base", d.StreamPortBase, "first UDP stream port to allocate")
	fs.String("log-level", d.LogLevel, "log level: debug|info|warning|error")
	fs.String("telemetry-csv", d.TelemetryCSVPath, "path to the append-only telemetry CSV log")
	fs.Duration("stream-tick", d.StreamTick, "stream sender tick interval")
	fs.Duration("telemetry-tick", d.TelemetryTick, "telemetry logger tick interval")
	fs.Duration("mux-timeout", d.MuxTimeout, "readiness multiplexer wait timeout")

	_ = v.BindPFlags(fs)
}

// Load materializes a Config from a viper instance populated by BindFlags.
// Only the bound flags and their defaults feed it; no environment variables
// or config file are read.
func Load(v *viper.Viper) Config {
	return Config{
		ManagementPort:   uint16(v.GetUint32("mgmt-port")),
		StreamPortBase:   uint16(v.GetUint32("stream-port-base")),
		LogLevel:         v.GetString("log-level"),
		TelemetryCSVPath: v.GetString("telemetry-csv"),
		StreamTick:       v.GetDuration("stream-tick"),
		TelemetryTick:    v.GetDuration("telemetry-tick"),
		MuxTimeout:       v.GetDuration("mux-timeout"),
	}
}
