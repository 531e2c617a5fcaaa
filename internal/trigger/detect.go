package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

// Reference detector names. Pattern schedules reference detectors by name via
// their trigger_type.
const (
	DetectorMoodLow          = "mood_low"
	DetectorLongAbsence      = "long_absence"
	DetectorHighProductivity = "high_productivity"
)

const (
	moodSampleWindow = 24 * time.Hour
	moodSampleLimit  = 3
	moodLowThreshold = -0.3

	absenceThresholdDays = 3

	productivityWindow    = 24 * time.Hour
	productivityThreshold = 5
)

// BehaviorSource provides the aggregates detectors read. *store.Store
// satisfies it; tests substitute fakes.
type BehaviorSource interface {
	MoodSamples(ctx context.Context, userID string, since time.Time, limit int) ([]store.MoodSample, error)
	LastActivity(ctx context.Context, userID string) (time.Time, error)
	CompletedTaskCount(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Detector inspects a user's behavioral aggregates and reports whether its
// pattern currently holds, along with the evidence the message template
// renders against.
type Detector interface {
	Name() string
	Check(ctx context.Context, userID string) (triggered bool, evidence map[string]any, err error)
}

// DetectorRegistry maps detector names to implementations. New detectors are
// added by registration; the pattern sweep never changes.
type DetectorRegistry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewDetectorRegistry builds a registry holding the three reference detectors
// backed by src.
func NewDetectorRegistry(src BehaviorSource) *DetectorRegistry {
	r := &DetectorRegistry{detectors: make(map[string]Detector)}
	r.Register(&moodLowDetector{src: src})
	r.Register(&longAbsenceDetector{src: src})
	r.Register(&highProductivityDetector{src: src})
	return r
}

// Register adds a detector, replacing any existing one with the same name.
func (r *DetectorRegistry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[d.Name()] = d
}

// Get looks up a detector by name.
func (r *DetectorRegistry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns the registered detector names, sorted.
func (r *DetectorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// moodLowDetector fires when the mean of the user's recent mood samples sits
// below the low-mood threshold. At least two samples are required so a single
// bad reading does not page anyone.
type moodLowDetector struct {
	src BehaviorSource
}

func (d *moodLowDetector) Name() string { return DetectorMoodLow }

func (d *moodLowDetector) Check(ctx context.Context, userID string) (bool, map[string]any, error) {
	samples, err := d.src.MoodSamples(ctx, userID, time.Now().Add(-moodSampleWindow), moodSampleLimit)
	if err != nil {
		return false, nil, fmt.Errorf("mood samples for %s: %w", userID, err)
	}
	if len(samples) < 2 {
		return false, nil, nil
	}
	sum := 0.0
	for _, sample := range samples {
		sum += sample.Score
	}
	avg := sum / float64(len(samples))
	if avg >= moodLowThreshold {
		return false, nil, nil
	}
	return true, map[string]any{
		"avgSentiment": avg,
		"entryCount":   len(samples),
	}, nil
}

// longAbsenceDetector fires when the user's newest activity is at least three
// days old. Users with no recorded activity at all are left alone.
type longAbsenceDetector struct {
	src BehaviorSource
}

func (d *longAbsenceDetector) Name() string { return DetectorLongAbsence }

func (d *longAbsenceDetector) Check(ctx context.Context, userID string) (bool, map[string]any, error) {
	last, err := d.src.LastActivity(ctx, userID)
	if err != nil {
		return false, nil, fmt.Errorf("last activity for %s: %w", userID, err)
	}
	if last.IsZero() {
		return false, nil, nil
	}
	days := int(time.Since(last).Hours() / 24)
	if days < absenceThresholdDays {
		return false, nil, nil
	}
	return true, map[string]any{
		"daysSince":    days,
		"lastActivity": last.UTC().Format(time.RFC3339),
	}, nil
}

// highProductivityDetector fires when the user completed at least five tasks
// in the last day.
type highProductivityDetector struct {
	src BehaviorSource
}

func (d *highProductivityDetector) Name() string { return DetectorHighProductivity }

func (d *highProductivityDetector) Check(ctx context.Context, userID string) (bool, map[string]any, error) {
	count, err := d.src.CompletedTaskCount(ctx, userID, time.Now().Add(-productivityWindow))
	if err != nil {
		return false, nil, fmt.Errorf("completed task count for %s: %w", userID, err)
	}
	if count < productivityThreshold {
		return false, nil, nil
	}
	return true, map[string]any{
		"tasksCompleted": count,
	}, nil
}
