package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mtf-executor/pkg/config"
)

// ErrInvalidSignal is the sentinel behind every validation failure.
var ErrInvalidSignal = errors.New("invalid signal")

// InvalidSignalError names the offending field.
type InvalidSignalError struct {
	Field  string
	Reason string
}

func (e *InvalidSignalError) Error() string {
	return fmt.Sprintf("invalid signal: %s: %s", e.Field, e.Reason)
}

func (e *InvalidSignalError) Unwrap() error { return ErrInvalidSignal }

func invalid(field, format string, args ...any) error {
	return &InvalidSignalError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Rules parameterise validation.
type Rules struct {
	Instruments     []config.Instrument
	Alerts          map[string]string // alert name -> timeframe
	SkewBase        time.Duration     // tolerance for 1m; scaled linearly by timeframe length
	FutureTolerance time.Duration
}

// SkewTolerance returns the maximum accepted age for a timeframe.
func (r Rules) SkewTolerance(tf Timeframe) time.Duration {
	return r.SkewBase * time.Duration(tf.Minutes())
}

// Validate turns a webhook payload into an Envelope. It has no side effects.
func Validate(p Payload, r Rules, now time.Time) (Envelope, error) {
	instrument, ok := config.ResolveContract(r.Instruments, p.Ticker)
	if !ok {
		if strings.TrimSpace(p.Ticker) == "" {
			return Envelope{}, invalid("ticker", "missing")
		}
		return Envelope{}, invalid("ticker", "unknown instrument %q", p.Ticker)
	}

	tf, err := resolveTimeframe(p, r)
	if err != nil {
		return Envelope{}, err
	}

	dir, err := resolveDirection(p)
	if err != nil {
		return Envelope{}, err
	}

	if !p.Price.Set {
		return Envelope{}, invalid("price", "missing")
	}
	if math.IsNaN(p.Price.Value) || math.IsInf(p.Price.Value, 0) || p.Price.Value <= 0 {
		return Envelope{}, invalid("price", "must be positive, got %v", p.Price.Value)
	}

	strength := 50.0
	if p.Strength.Set {
		strength = p.Strength.Value
	}
	if math.IsNaN(strength) || strength < 0 || strength > 100 {
		return Envelope{}, invalid("strength", "must be within [0,100], got %v", strength)
	}

	ts, err := ParseTime(string(p.Time))
	if err != nil {
		return Envelope{}, invalid("time", "%v", err)
	}
	if ts.Sub(now) > r.FutureTolerance {
		return Envelope{}, invalid("time", "%s is in the future", ts.Format(time.RFC3339))
	}
	if age := now.Sub(ts); age > r.SkewTolerance(tf) {
		return Envelope{}, invalid("time", "signal is %s old, tolerance for %s is %s", age.Round(time.Second), tf, r.SkewTolerance(tf))
	}

	nonce := strings.TrimSpace(string(p.Nonce))
	if nonce == "" {
		nonce = DeriveNonce(instrument, tf, ts, dir)
	}

	return Envelope{
		Instrument: instrument,
		Timeframe:  tf,
		Direction:  dir,
		Strength:   strength,
		Price:      p.Price.Value,
		Timestamp:  ts,
		Nonce:      nonce,
		Alert:      p.Alert,
		ReceivedAt: now,
	}, nil
}

func resolveTimeframe(p Payload, r Rules) (Timeframe, error) {
	if raw := strings.TrimSpace(string(p.Timeframe)); raw != "" {
		tf, ok := ParseTimeframe(raw)
		if !ok {
			return "", invalid("timeframe", "unsupported %q", raw)
		}
		return tf, nil
	}
	if p.Alert != "" {
		if raw, ok := r.Alerts[p.Alert]; ok {
			if tf, ok := ParseTimeframe(raw); ok {
				return tf, nil
			}
		}
		return "", invalid("alert", "no timeframe associated with %q", p.Alert)
	}
	return "", invalid("timeframe", "missing")
}

func resolveDirection(p Payload) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(p.Signal)) {
	case "", "entry":
	case "exit":
		return Flat, nil
	default:
		return "", invalid("signal", "unsupported %q", p.Signal)
	}
	switch strings.ToLower(strings.TrimSpace(p.Position)) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	case "flat":
		return Flat, nil
	case "":
		return "", invalid("position", "missing")
	}
	return "", invalid("position", "unsupported %q", p.Position)
}

// ParseTime accepts RFC3339 or unix seconds/milliseconds.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("missing")
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n <= 0 {
			return time.Time{}, fmt.Errorf("non-positive epoch %q", raw)
		}
		if n > 1e12 {
			return time.UnixMilli(int64(n)), nil
		}
		sec := int64(n)
		return time.Unix(sec, int64((n-float64(sec))*1e9)), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// DeriveNonce builds a stable nonce for payloads that carry none, so a
// re-delivered identical body maps to the same ledger key.
func DeriveNonce(instrument string, tf Timeframe, ts time.Time, dir Direction) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", instrument, tf, ts.UnixMilli(), dir)))
	return "d-" + hex.EncodeToString(h[:8])
}
