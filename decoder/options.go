package decoder

import "log"

// Option configures a Decoder at Open, following the functional-options
// pattern from device/device_config.go, adapted from device config fields
// to the Decoder fields that are safe to override before any ioctl fires.
type Option func(*Decoder)

// WithLogger overrides the logger used for recoverable worker-thread
// conditions (default log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// WithCaptureHeadroom overrides the extra CAPTURE buffer count requested on
// top of the driver-reported minimum (spec.md §9 Open Question 1; default
// defaultCaptureHeadroom).
func WithCaptureHeadroom(n uint32) Option {
	return func(d *Decoder) { d.captureHeadroom = n }
}
