package model

import "time"

// DailyAggregate is one bucket: the rollup of every reading a device reported
// for a single calendar day. (DeviceID, Timestamp) is unique.
type DailyAggregate struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"timestamp"`
	ActiveEnergy    float64   `json:"active_energy"`
	ActivePower     float64   `json:"active_power"`
	ActiveEnergyAvg float64   `json:"active_energy_avg"`
	ActivePowerAvg  float64   `json:"active_power_avg"`
	AggregateCount  int64     `json:"aggregate_count"`
}

// Key returns the uniqueness key of the bucket
func (a DailyAggregate) Key() Key {
	return Key{DeviceID: a.DeviceID, Day: a.Timestamp}
}

// Reading is a single telemetry sample reported by a device
type Reading struct {
	DeviceID     string    `json:"device_id"`
	Timestamp    time.Time `json:"timestamp"`
	ActiveEnergy float64   `json:"active_energy"`
	ActivePower  float64   `json:"active_power"`
}

// Key identifies a bucket. Day is compared by exact instant.
type Key struct {
	DeviceID string
	Day      time.Time
}

// NewAggregate holds the fields supplied when a bucket is first created.
// The store assigns the ID, the default count and the default averages.
type NewAggregate struct {
	DeviceID     string
	Timestamp    time.Time
	ActiveEnergy float64
	ActivePower  float64
}

// AggregateUpdate holds the fields rewritten when a reading is merged
// into an existing bucket.
type AggregateUpdate struct {
	ActiveEnergy    float64
	ActivePower     float64
	AggregateCount  int64
	ActiveEnergyAvg float64
	ActivePowerAvg  float64
}

// Apply returns a copy of a with the update fields written over it
func (u AggregateUpdate) Apply(a DailyAggregate) DailyAggregate {
	a.ActiveEnergy = u.ActiveEnergy
	a.ActivePower = u.ActivePower
	a.AggregateCount = u.AggregateCount
	a.ActiveEnergyAvg = u.ActiveEnergyAvg
	a.ActivePowerAvg = u.ActivePowerAvg
	return a
}

// DefaultAggregateCount is the count a store assigns to a freshly inserted bucket
const DefaultAggregateCount = 1

// Materialize builds the row a store persists for an insert. Averages default
// to the single-sample mean, which is the inserted value itself.
func (n NewAggregate) Materialize(id string) DailyAggregate {
	return DailyAggregate{
		ID:              id,
		DeviceID:        n.DeviceID,
		Timestamp:       n.Timestamp,
		ActiveEnergy:    n.ActiveEnergy,
		ActivePower:     n.ActivePower,
		ActiveEnergyAvg: n.ActiveEnergy,
		ActivePowerAvg:  n.ActivePower,
		AggregateCount:  DefaultAggregateCount,
	}
}
