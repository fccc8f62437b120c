package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"
)

// recorder is the part of sdk.Client the simulator needs
type recorder interface {
	Record(deviceID string, ts time.Time, energy, power float64) error
}

// meter models a household meter with a daily load curve
type meter struct {
	id       string
	basekW   float64
	peakkW   float64
	peakHour float64
}

func newFleet(n int) []meter {
	fleet := make([]meter, n)
	for i := range fleet {
		fleet[i] = meter{
			id:       fmt.Sprintf("meter-%03d", i+1),
			basekW:   0.2 + 0.1*float64(i%4),
			peakkW:   1.5 + 0.5*float64(i%3),
			peakHour: 18 + float64(i%3),
		}
	}
	return fleet
}

// power returns the instantaneous draw in kW at ts, plus some noise
func (m meter) power(ts time.Time, rng *rand.Rand) float64 {
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	dist := math.Abs(hour - m.peakHour)
	if dist > 12 {
		dist = 24 - dist
	}
	load := m.basekW + (m.peakkW-m.basekW)*math.Exp(-dist*dist/8)
	noise := 1 + (rng.Float64()-0.5)*0.1
	return math.Max(0, load*noise)
}

// sample returns the energy in kWh used over interval and the power at ts
func (m meter) sample(ts time.Time, interval time.Duration, rng *rand.Rand) (energy, power float64) {
	power = m.power(ts, rng)
	energy = power * interval.Hours()
	return energy, power
}

// runSimulator records one reading per meter every interval until ctx is done
func runSimulator(ctx context.Context, rec recorder, fleet []meter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	log.Printf("🚦 Simulator started: %d meters, one reading every %s", len(fleet), interval)

	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("🛑 Simulator stopped after %d readings", sent)
			return
		case now := <-ticker.C:
			for _, m := range fleet {
				energy, power := m.sample(now, interval, rng)
				if err := rec.Record(m.id, now, energy, power); err != nil {
					log.Printf("⚠️  Reading for %s rejected: %v", m.id, err)
					continue
				}
				sent++
			}
		}
	}
}
