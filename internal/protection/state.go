// Package protection implements the extreme-market protection state
// machine: directional run tracking over price bars, a learned volatility
// baseline, and the emergency flatten-and-hibernate sequence.
package protection

import "time"

// Direction classifies a bar or a directional run.
type Direction string

const (
	DirectionNeutral Direction = "neutral"
	DirectionUp      Direction = "up"
	DirectionDown    Direction = "down"
)

// State is the persisted protection record. It is written after every
// transition so a restart resumes mid-run or mid-hibernation correctly.
type State struct {
	Direction       Direction `json:"direction"`
	BarCount        int       `json:"bar_count"`
	CumulativeMove  float64   `json:"cumulative_move"` // percent, absolute value
	RunStartPrice   float64   `json:"run_start_price"`
	RunStartTime    time.Time `json:"run_start_time"`
	BaselineATR     float64   `json:"baseline_atr"` // 0 until captured
	Active          bool      `json:"active"`
	HibernationFrom time.Time `json:"hibernation_from"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Bar is one closed price bar.
type Bar struct {
	Open  float64
	Close float64
	Time  time.Time
}

// change returns the bar's percent move relative to its open.
func (b Bar) change() float64 {
	if b.Open == 0 {
		return 0
	}
	return (b.Close - b.Open) / b.Open * 100
}
