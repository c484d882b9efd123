package sweep

import (
	"context"
	"testing"
	"time"
)

func TestRetentionRun(t *testing.T) {
	es := &fakeEventStore{deletedEvents: 120, deletedTemplates: 7}
	r := NewRetention(RetentionConfig{
		MaxEventAge:     30 * 24 * time.Hour,
		MaxTemplateIdle: 90 * 24 * time.Hour,
	}, es, nil)
	now := time.Date(2026, 8, 28, 3, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	events, templates, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if events != 120 || templates != 7 {
		t.Errorf("events = %d, templates = %d", events, templates)
	}
	if want := now.AddDate(0, 0, -30); !es.eventCutoff.Equal(want) {
		t.Errorf("event cutoff = %v, want %v", es.eventCutoff, want)
	}
	if want := now.AddDate(0, 0, -90); !es.templateCutoff.Equal(want) {
		t.Errorf("template cutoff = %v, want %v", es.templateCutoff, want)
	}
}

func TestRetentionDisabledLimits(t *testing.T) {
	es := &fakeEventStore{deletedEvents: 5, deletedTemplates: 5}
	r := NewRetention(RetentionConfig{}, es, nil)

	events, templates, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if events != 0 || templates != 0 {
		t.Errorf("events = %d, templates = %d, want both 0", events, templates)
	}
	if !es.eventCutoff.IsZero() || !es.templateCutoff.IsZero() {
		t.Error("delete was called despite disabled limits")
	}
}

func TestRetentionEventAgeOnly(t *testing.T) {
	es := &fakeEventStore{deletedEvents: 3}
	r := NewRetention(RetentionConfig{MaxEventAge: time.Hour}, es, nil)

	events, templates, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if events != 3 || templates != 0 {
		t.Errorf("events = %d, templates = %d", events, templates)
	}
	if !es.templateCutoff.IsZero() {
		t.Error("template delete was called")
	}
}

func TestRetentionDryRun(t *testing.T) {
	es := &fakeEventStore{deletedEvents: 9, deletedTemplates: 9}
	r := NewRetention(RetentionConfig{
		MaxEventAge:     time.Hour,
		MaxTemplateIdle: time.Hour,
		DryRun:          true,
	}, es, nil)

	events, templates, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if events != 0 || templates != 0 {
		t.Errorf("dry run deleted: events = %d, templates = %d", events, templates)
	}
	if !es.eventCutoff.IsZero() || !es.templateCutoff.IsZero() {
		t.Error("dry run reached the store")
	}
}
