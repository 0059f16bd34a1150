package device

import "time"

const (
	// DefaultBaudRate is the counter's factory line speed.
	DefaultBaudRate = 115200

	// DefaultTimeout bounds one request/response exchange.
	DefaultTimeout = 250 * time.Millisecond
)

// options holds session settings.
type options struct {
	// baudRate is the serial line speed.
	baudRate int
	// timeout bounds one exchange.
	timeout time.Duration
	// opener opens the port by name.
	opener Opener
	// lister enumerates candidate ports for discovery.
	lister Lister
	// clock stamps readings.
	clock func() time.Time
}

// Option configures session behaviour.
type Option func(*options)

// WithBaudRate sets the serial line speed.
func WithBaudRate(baudRate int) Option {
	return func(o *options) {
		if baudRate > 0 {
			o.baudRate = baudRate
		}
	}
}

// WithTimeout sets the protocol timeout of one exchange.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithOpener replaces the serial port opener, e.g. with a simulator.
func WithOpener(opener Opener) Option {
	return func(o *options) {
		if opener != nil {
			o.opener = opener
		}
	}
}

// WithLister replaces the port enumerator used by Discover.
func WithLister(lister Lister) Option {
	return func(o *options) {
		if lister != nil {
			o.lister = lister
		}
	}
}

// WithClock replaces the clock that stamps readings.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// newOptions applies opts over the defaults.
func newOptions(opts []Option) options {
	o := options{
		baudRate: DefaultBaudRate,
		timeout:  DefaultTimeout,
		opener:   OpenSerial,
		lister:   ListSerial,
		clock:    time.Now,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
