package worker

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"autopit/internal/models"
)

// Diagnoser turns a request into a service order.
type Diagnoser interface {
	Diagnose(ctx context.Context, req models.ServiceRequest) (models.ServiceOrder, error)
}

var technicians = []string{"Alex M", "Priya K", "Jordan S", "Sam R"}

var findings = []string{
	"Loose gas cap; cleared code P0457",
	"Brake pad wear at 3mm; recommend replacement",
	"12V battery weak; CCA below spec",
	"Misfire on cylinder 3; coil swapped and verified",
	"Software TSB applied; PCM updated",
}

// StubDiagnoser fabricates an order. Technician and estimate follow the VIN,
// the finding follows the concern; only the simulated bench time is random.
type StubDiagnoser struct {
	minDelay time.Duration
	maxDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewStubDiagnoser(minDelay, maxDelay time.Duration) *StubDiagnoser {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &StubDiagnoser{
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

func (d *StubDiagnoser) Diagnose(ctx context.Context, req models.ServiceRequest) (models.ServiceOrder, error) {
	if delay := d.delay(); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return models.ServiceOrder{}, ctx.Err()
		case <-t.C:
		}
	}

	vinHash := hash(req.VIN)
	return models.ServiceOrder{
		RequestID:     req.ID,
		Technician:    technicians[vinHash%uint32(len(technicians))],
		Findings:      findings[hash(req.Concern)%uint32(len(findings))],
		EstimatedCost: math.Round(float64(95+vinHash%600)*100) / 100,
		CompletedUTC:  d.now().UTC(),
	}, nil
}

func (d *StubDiagnoser) delay() time.Duration {
	spread := d.maxDelay - d.minDelay
	if spread <= 0 {
		return d.minDelay
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minDelay + time.Duration(d.rng.Int63n(int64(spread)))
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
