package mqtingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

var (
	ErrParse      = errors.New("malformed payload")
	ErrValidation = errors.New("invalid reading")
)

// Outcome is the terminal state of one data message.
type Outcome int

const (
	OutcomePersisted Outcome = iota
	OutcomeParseError
	OutcomeSkippedOffline
	OutcomeValidationError
	OutcomePersistenceError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeParseError:
		return "parse_error"
	case OutcomeSkippedOffline:
		return "skipped_offline"
	case OutcomeValidationError:
		return "validation_error"
	case OutcomePersistenceError:
		return "persistence_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Store is the write side of the storage writer.
type Store interface {
	Append(ctx context.Context, r mqtmodels.Reading) (string, error)
}

// LivenessReader reports whether the device is currently ONLINE.
type LivenessReader interface {
	IsOnline() bool
}

type Config struct {
	RequiredFields []string
	DerivedRules   []mqtmodels.DerivedRule
}

// Processor turns raw data-topic payloads into stored readings.
type Processor struct {
	store    Store
	liveness LivenessReader
	cfg      Config
	owned    map[string]struct{}
	now      func() time.Time
	log      *logger.Logger

	lastStamp atomic.Int64

	received          atomic.Int64
	persisted         atomic.Int64
	parseErrors       atomic.Int64
	validationErrors  atomic.Int64
	skippedOffline    atomic.Int64
	persistenceErrors atomic.Int64
	strippedFields    atomic.Int64
}

type Option func(*Processor)

// WithClock replaces time.Now as the source of server timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(store Store, liveness LivenessReader, cfg Config, log *logger.Logger, opts ...Option) *Processor {
	owned := map[string]struct{}{
		mqtmodels.FieldTimestamp: {},
		mqtmodels.FieldMongoID:   {},
		mqtmodels.FieldID:        {},
		mqtmodels.FieldSeq:       {},
	}
	for _, rule := range cfg.DerivedRules {
		owned[rule.Output] = struct{}{}
	}
	p := &Processor{
		store:    store,
		liveness: liveness,
		cfg:      cfg,
		owned:    owned,
		now:      time.Now,
		log:      log.WithComponent("ingestor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs one payload through parse, liveness gate, validation,
// derivation, stamping and persistence. The error is nil only for
// OutcomePersisted and OutcomeSkippedOffline.
func (p *Processor) Handle(ctx context.Context, payload []byte) (Outcome, error) {
	p.received.Add(1)

	fields, err := parse(payload)
	if err != nil {
		p.parseErrors.Add(1)
		p.log.Logger.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping unparseable reading")
		return OutcomeParseError, err
	}

	// The tracker is read exactly once per message.
	if !p.liveness.IsOnline() {
		p.skippedOffline.Add(1)
		p.log.Logger.Debug().Msg("Device offline, reading skipped")
		return OutcomeSkippedOffline, nil
	}

	var stripped []string
	for k := range fields {
		if _, ok := p.owned[k]; ok {
			delete(fields, k)
			stripped = append(stripped, k)
		}
	}
	if len(stripped) > 0 {
		p.strippedFields.Add(int64(len(stripped)))
		sort.Strings(stripped)
		p.log.WithField("fields", stripped).Logger.Debug().Msg("Replaced client values for server-owned fields")
	}
	reading := mqtmodels.Reading{Fields: fields}

	err = p.validate(reading)
	if err == nil {
		err = p.derive(reading)
	}
	if err != nil {
		p.validationErrors.Add(1)
		p.log.Logger.Warn().Err(err).Msg("Dropping invalid reading")
		return OutcomeValidationError, err
	}

	reading.Timestamp = p.stamp()

	id, err := p.store.Append(ctx, reading)
	if err != nil {
		p.persistenceErrors.Add(1)
		p.log.Logger.Error().Err(err).Time("timestamp", reading.Timestamp).Msg("Failed to persist reading")
		return OutcomePersistenceError, err
	}

	p.persisted.Add(1)
	p.log.Logger.Debug().Str("id", id).Time("timestamp", reading.Timestamp).Msg("Reading persisted")
	return OutcomePersisted, nil
}

func parse(payload []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrParse)
	}
	return fields, nil
}

func (p *Processor) validate(r mqtmodels.Reading) error {
	for _, key := range p.cfg.RequiredFields {
		if v, ok := r.Fields[key]; !ok || v == nil {
			return fmt.Errorf("%w: missing required field %q", ErrValidation, key)
		}
	}
	for _, rule := range p.cfg.DerivedRules {
		for _, key := range rule.Inputs {
			v, ok := r.Fields[key]
			if !ok || v == nil {
				continue
			}
			if _, isNum := r.Number(key); !isNum {
				return fmt.Errorf("%w: field %q must be numeric, got %T", ErrValidation, key, v)
			}
		}
	}
	return nil
}

// derive sets each rule's output when every input is present and numeric.
// A product that overflows to ±Inf or NaN rejects the reading.
func (p *Processor) derive(r mqtmodels.Reading) error {
	for _, rule := range p.cfg.DerivedRules {
		product := 1.0
		complete := true
		for _, key := range rule.Inputs {
			n, ok := r.Number(key)
			if !ok {
				complete = false
				break
			}
			product *= n
		}
		if !complete {
			continue
		}
		if math.IsInf(product, 0) || math.IsNaN(product) {
			return fmt.Errorf("%w: derived field %q is not finite", ErrValidation, rule.Output)
		}
		r.Fields[rule.Output] = product
	}
	return nil
}

// stamp returns the capture time, nudged forward by a nanosecond when the
// clock has not advanced so that timestamps are strictly increasing.
func (p *Processor) stamp() time.Time {
	for {
		now := p.now().UnixNano()
		last := p.lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if p.lastStamp.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

func (p *Processor) Stats() mqtmodels.IngestStats {
	return mqtmodels.IngestStats{
		Received:          p.received.Load(),
		Persisted:         p.persisted.Load(),
		ParseErrors:       p.parseErrors.Load(),
		ValidationErrors:  p.validationErrors.Load(),
		SkippedOffline:    p.skippedOffline.Load(),
		PersistenceErrors: p.persistenceErrors.Load(),
		StrippedFields:    p.strippedFields.Load(),
	}
}
