package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is one of the evaluation intervals the strategy reports on.
type Timeframe string

const (
	TF1m Timeframe = "1m"
	TF3m Timeframe = "3m"
	TF5m Timeframe = "5m"
)

// Timeframes lists supported timeframes, shortest first.
var Timeframes = []Timeframe{TF1m, TF3m, TF5m}

// Minutes returns the timeframe length in minutes, or 0 if unsupported.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TF1m:
		return 1
	case TF3m:
		return 3
	case TF5m:
		return 5
	}
	return 0
}

// Duration returns the timeframe length.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

// ParseTimeframe accepts 1m/3m/5m and the bare-number form TradingView uses for {{interval}}.
func ParseTimeframe(s string) (Timeframe, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "1m":
		return TF1m, true
	case "3", "3m":
		return TF3m, true
	case "5", "5m":
		return TF5m, true
	}
	return "", false
}

// Direction is the directional view carried by a signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Opposite returns the reverse direction; flat has none.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Flat
}

// Envelope is a validated, immutable signal.
type Envelope struct {
	Instrument string    `json:"instrument"`
	Timeframe  Timeframe `json:"timeframe"`
	Direction  Direction `json:"direction"`
	Strength   float64   `json:"strength"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
	Nonce      string    `json:"nonce"`
	Alert      string    `json:"alert,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Payload is the raw webhook body.
type Payload struct {
	Signal     string     `json:"signal"`
	Position   string     `json:"position"`
	Ticker     string     `json:"ticker"`
	Price      FlexNumber `json:"price"`
	Time       FlexString `json:"time"`
	Timeframe  FlexString `json:"timeframe,omitempty"`
	Strength   FlexNumber `json:"strength,omitempty"`
	Nonce      FlexString `json:"nonce,omitempty"`
	Alert      string     `json:"alert,omitempty"`
	Passphrase string     `json:"passphrase,omitempty"`
}

// FlexNumber decodes a JSON number or numeric string. Set reports whether a value was present.
type FlexNumber struct {
	Value float64
	Set   bool
}

func (n *FlexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	n.Value, n.Set = v, true
	return nil
}

func (n FlexNumber) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// FlexString decodes a JSON string or number as text.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	*s = FlexString(b)
	return nil
}
