package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned by New and Config.Validate.
	ErrInvalidConfig = errors.New("pipeline: invalid config")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")
)

// Config sizes the pipeline.
type Config struct {
	Producers  int
	Validators int
	Processors int

	// QueueCapacity bounds both queues. 0 makes them unbounded, which
	// disables backpressure.
	QueueCapacity int

	// MaxDelay is the upper bound of the random pause each stage takes
	// after a unit of work. 0 disables the pause.
	MaxDelay time.Duration

	// ProducerRate caps the combined order rate of all producers, in orders
	// per second. 0 means unpaced.
	ProducerRate float64

	// Item ids are drawn from [0, ItemRange). Orders with an id below
	// ValidBelow pass validation.
	ItemRange  int
	ValidBelow int
}

// DefaultConfig returns the stock sizing: 10 producers, 2 validators,
// 3 processors, queues of 16.
func DefaultConfig() Config {
	return Config{
		Producers:     10,
		Validators:    2,
		Processors:    3,
		QueueCapacity: 16,
		MaxDelay:      time.Second,
		ItemRange:     100,
		ValidBelow:    50,
	}
}

// Validate reports the first field that cannot be used.
func (c Config) Validate() error {
	switch {
	case c.Producers < 1:
		return fmt.Errorf("%w: producers must be at least 1, got %d", ErrInvalidConfig, c.Producers)
	case c.Validators < 1:
		return fmt.Errorf("%w: validators must be at least 1, got %d", ErrInvalidConfig, c.Validators)
	case c.Processors < 1:
		return fmt.Errorf("%w: processors must be at least 1, got %d", ErrInvalidConfig, c.Processors)
	case c.QueueCapacity < 0:
		return fmt.Errorf("%w: queue capacity must not be negative, got %d", ErrInvalidConfig, c.QueueCapacity)
	case c.MaxDelay < 0:
		return fmt.Errorf("%w: max delay must not be negative, got %s", ErrInvalidConfig, c.MaxDelay)
	case c.ProducerRate < 0:
		return fmt.Errorf("%w: producer rate must not be negative, got %g", ErrInvalidConfig, c.ProducerRate)
	case c.ItemRange < 1:
		return fmt.Errorf("%w: item range must be at least 1, got %d", ErrInvalidConfig, c.ItemRange)
	case c.ValidBelow < 0:
		return fmt.Errorf("%w: valid-below must not be negative, got %d", ErrInvalidConfig, c.ValidBelow)
	}
	return nil
}

// Valid is the validator's predicate.
func (c Config) Valid(o Order) bool { return o.ItemID < c.ValidBelow }
