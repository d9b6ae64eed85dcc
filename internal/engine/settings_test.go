package engine

import (
	"errors"
	"testing"

	"github.com/withObsrvr/blobqueue/internal/queue"
)

func TestParseSettingsNormalizesPrefix(t *testing.T) {
	s, modeSet, err := ParseSettings(map[string]string{
		"s3queue_mode":            "unordered",
		"s3queue_loading_retries": "5",
		"processing_threads_num":  "8",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !modeSet {
		t.Fatal("mode not detected as set")
	}
	if s.Mode != queue.ModeUnordered || s.LoadingRetries != 5 || s.ProcessingThreads != 8 {
		t.Fatalf("unexpected settings: %+v", s)
	}
}

func TestParseSettingsRejectsDuplicateAfterNormalization(t *testing.T) {
	_, _, err := ParseSettings(map[string]string{
		"s3queue_loading_retries": "5",
		"loading_retries":         "6",
	})
	if !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected ErrBadArguments, got %v", err)
	}
}

func TestParseSettingsUnknownName(t *testing.T) {
	_, _, err := ParseSettings(map[string]string{"no_such_setting": "1"})
	if !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected ErrBadArguments, got %v", err)
	}
}

func TestValidateRequiresModeOnCreate(t *testing.T) {
	s := DefaultSettings()
	if err := s.validate(false, false); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected mode requirement on create, got %v", err)
	}
	if err := s.validate(true, false); err != nil {
		t.Fatalf("attach must not require mode: %v", err)
	}
}

func TestValidateThreadsAndCleanupBounds(t *testing.T) {
	s := DefaultSettings()
	s.ProcessingThreads = 0
	if err := s.validate(true, true); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected threads validation, got %v", err)
	}

	s = DefaultSettings()
	s.CleanupIntervalMinMs = 5000
	s.CleanupIntervalMaxMs = 1000
	if err := s.validate(true, true); !errors.Is(err, ErrBadArguments) {
		t.Fatalf("expected cleanup interval validation, got %v", err)
	}
}

func TestChangeabilityPerMode(t *testing.T) {
	// processing_threads_num is unordered-only.
	if !isSettingChangeable("processing_threads_num", queue.ModeUnordered) {
		t.Error("processing_threads_num must be changeable in unordered mode")
	}
	if isSettingChangeable("processing_threads_num", queue.ModeOrdered) {
		t.Error("processing_threads_num must not be changeable in ordered mode")
	}

	// buckets is ordered-only.
	if isSettingChangeable("buckets", queue.ModeUnordered) {
		t.Error("buckets must not be changeable in unordered mode")
	}
	if !isSettingChangeable("buckets", queue.ModeOrdered) {
		t.Error("buckets must be changeable in ordered mode")
	}

	// mode is never changeable.
	if isSettingChangeable("mode", queue.ModeUnordered) || isSettingChangeable("mode", queue.ModeOrdered) {
		t.Error("mode must never be changeable")
	}
}

func TestDefaultValueForReset(t *testing.T) {
	v, err := defaultValue("loading_retries")
	if err != nil || v != "10" {
		t.Fatalf("defaultValue(loading_retries) = %q, %v", v, err)
	}
	if _, err := defaultValue("mode"); !errors.Is(err, ErrSupportDisabled) {
		t.Fatalf("expected ErrSupportDisabled for mode reset, got %v", err)
	}
}
