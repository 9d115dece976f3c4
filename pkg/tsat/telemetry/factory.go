package telemetry

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
)

// FactoryOption configures the ReceiverFactory.
type FactoryOption func(*ReceiverFactory) error

// ReceiverFactory creates a Receiver per connection. All receivers share the
// factory's handler.
type ReceiverFactory struct {
	handler        Handler
	reportInterval time.Duration
	streamTimeout  time.Duration
	receiverSSRC   uint32
	onMessage      func(m Message)
	onReport       func(rr *rtcp.ReceiverReport)
	onCreate       func(id string, r *Receiver)
}

// WithFactoryReportInterval sets how often receiver reports are sent.
// Default: 1 second
func WithFactoryReportInterval(interval time.Duration) FactoryOption {
	return func(f *ReceiverFactory) error {
		if interval <= 0 {
			return errors.New("report interval must be positive")
		}
		f.reportInterval = interval
		return nil
	}
}

// WithFactoryStreamTimeout sets how long a silent stream is tracked.
// Default: 30 seconds
func WithFactoryStreamTimeout(timeout time.Duration) FactoryOption {
	return func(f *ReceiverFactory) error {
		if timeout <= 0 {
			return errors.New("stream timeout must be positive")
		}
		f.streamTimeout = timeout
		return nil
	}
}

// WithFactoryReceiverSSRC sets the SSRC placed in receiver reports.
func WithFactoryReceiverSSRC(ssrc uint32) FactoryOption {
	return func(f *ReceiverFactory) error {
		f.receiverSSRC = ssrc
		return nil
	}
}

// WithFactoryOnMessage sets a callback invoked for every valid message.
func WithFactoryOnMessage(fn func(m Message)) FactoryOption {
	return func(f *ReceiverFactory) error {
		f.onMessage = fn
		return nil
	}
}

// WithFactoryOnReport sets a callback invoked for every receiver report sent.
func WithFactoryOnReport(fn func(rr *rtcp.ReceiverReport)) FactoryOption {
	return func(f *ReceiverFactory) error {
		f.onReport = fn
		return nil
	}
}

// WithFactoryOnCreate sets a callback invoked with every Receiver created,
// so callers can keep a handle for statistics and shutdown.
func WithFactoryOnCreate(fn func(id string, r *Receiver)) FactoryOption {
	return func(f *ReceiverFactory) error {
		f.onCreate = fn
		return nil
	}
}

// NewReceiverFactory creates a factory for Receiver instances.
//
// Example:
//
//	factory, err := NewReceiverFactory(EstimatorHandler(registry),
//	    WithFactoryReportInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewReceiverFactory(handler Handler, opts ...FactoryOption) (*ReceiverFactory, error) {
	f := &ReceiverFactory{
		handler:        handler,
		reportInterval: defaultReportInterval,
		streamTimeout:  defaultStreamTimeout,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewInterceptor creates a Receiver. It is called by an interceptor registry
// for every connection, or directly by a transport.
func (f *ReceiverFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	return f.NewReceiver(id), nil
}

// NewReceiver is NewInterceptor with the concrete return type.
func (f *ReceiverFactory) NewReceiver(id string) *Receiver {
	opts := []InterceptorOption{
		WithReportInterval(f.reportInterval),
		WithStreamTimeout(f.streamTimeout),
		WithReceiverSSRC(f.receiverSSRC),
	}
	if f.onMessage != nil {
		opts = append(opts, WithOnMessage(f.onMessage))
	}
	if f.onReport != nil {
		opts = append(opts, WithOnReport(f.onReport))
	}

	r := NewReceiver(f.handler, opts...)
	if f.onCreate != nil {
		f.onCreate(id, r)
	}
	return r
}

var _ interceptor.Factory = (*ReceiverFactory)(nil)
