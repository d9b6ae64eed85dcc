package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/withObsrvr/blobqueue/internal/queue"
)

// Settings is the full queue-table setting set. Zero thresholds mean
// unlimited; zero buckets means one bucket per processing thread.
type Settings struct {
	Mode            queue.Mode
	AfterProcessing queue.Action
	KeeperPath      string

	LoadingRetries    uint64
	ProcessingThreads uint64
	TrackedFileTTLSec uint64
	TrackedFilesLimit uint64
	Buckets           uint64
	LastProcessedPath string

	CleanupIntervalMinMs uint64
	CleanupIntervalMaxMs uint64

	PollingMinTimeoutMs uint64
	PollingMaxTimeoutMs uint64
	PollingBackoffMs    uint64
	UnregisterAfterMs   uint64

	MaxProcessedFilesBeforeCommit   uint64
	MaxProcessedRowsBeforeCommit    uint64
	MaxProcessedBytesBeforeCommit   uint64
	MaxProcessingTimeSecBeforeCommit uint64

	ListObjectsBatchSize   uint64
	EnableHashRingFiltering bool
	EnableLoggingToQueueLog bool
}

// DefaultSettings returns the product defaults.
func DefaultSettings() Settings {
	return Settings{
		AfterProcessing:      queue.ActionKeep,
		LoadingRetries:       10,
		ProcessingThreads:    1,
		TrackedFilesLimit:    1000,
		CleanupIntervalMinMs: 10000,
		CleanupIntervalMaxMs: 30000,
		PollingMinTimeoutMs:  1000,
		PollingMaxTimeoutMs:  10000,
		PollingBackoffMs:     1000,
		UnregisterAfterMs:    5000,

		MaxProcessedFilesBeforeCommit: 100,
		ListObjectsBatchSize:          1000,
	}
}

// NormalizeSettingName strips the legacy "s3queue_" prefix kept for
// compatibility with older table definitions.
func NormalizeSettingName(name string) string {
	return strings.TrimPrefix(name, "s3queue_")
}

// changeable settings per mode; everything else is immutable at runtime.
var changeableUnordered = map[string]bool{
	"processing_threads_num":               true,
	"loading_retries":                      true,
	"after_processing":                     true,
	"tracked_files_limit":                  true,
	"tracked_file_ttl_sec":                 true,
	"polling_min_timeout_ms":               true,
	"polling_max_timeout_ms":               true,
	"polling_backoff_ms":                   true,
	"max_processed_files_before_commit":    true,
	"max_processed_rows_before_commit":     true,
	"max_processed_bytes_before_commit":    true,
	"max_processing_time_sec_before_commit": true,
	"enable_hash_ring_filtering":           true,
	"list_objects_batch_size":              true,
}

var changeableOrdered = map[string]bool{
	"loading_retries":                      true,
	"after_processing":                     true,
	"polling_min_timeout_ms":               true,
	"polling_max_timeout_ms":               true,
	"polling_backoff_ms":                   true,
	"max_processed_files_before_commit":    true,
	"max_processed_rows_before_commit":     true,
	"max_processed_bytes_before_commit":    true,
	"max_processing_time_sec_before_commit": true,
	"buckets":                              true,
	"list_objects_batch_size":              true,
}

// keeper-persisted settings go through queue.Metadata.AlterSettings; the rest
// are engine-local and applied under the engine mutex.
var keeperPersisted = map[string]bool{
	"after_processing":       true,
	"loading_retries":        true,
	"processing_threads_num": true,
	"tracked_files_limit":    true,
	"tracked_file_ttl_sec":   true,
	"buckets":                true,
}

func isSettingChangeable(name string, mode queue.Mode) bool {
	if mode == queue.ModeUnordered {
		return changeableUnordered[name]
	}
	return changeableOrdered[name]
}

// requiresDetachedViews reports whether a setting change demands zero
// attached dependent views.
func requiresDetachedViews(name string) bool {
	return name == "buckets"
}

// ParseSettings builds Settings from a name/value map, normalizing names and
// rejecting duplicates after normalization. modeSet reports whether `mode`
// was given explicitly, which create requires and attach does not.
func ParseSettings(raw map[string]string) (s Settings, modeSet bool, err error) {
	s = DefaultSettings()
	seen := make(map[string]bool, len(raw))
	for name, value := range raw {
		normalized := NormalizeSettingName(name)
		if seen[normalized] {
			return s, false, fmt.Errorf("%w: setting %s is duplicated", ErrBadArguments, normalized)
		}
		seen[normalized] = true
		if normalized == "mode" {
			modeSet = true
		}
		if err := s.apply(normalized, value); err != nil {
			return s, false, err
		}
	}
	return s, modeSet, nil
}

// apply sets one normalized setting from its string representation.
func (s *Settings) apply(name, value string) error {
	parseU64 := func() (uint64, error) {
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: setting %s: %v", ErrBadArguments, name, err)
		}
		return v, nil
	}
	parseBool := func() (bool, error) {
		v, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("%w: setting %s: %v", ErrBadArguments, name, err)
		}
		return v, nil
	}

	var err error
	switch name {
	case "mode":
		switch queue.Mode(strings.ToLower(value)) {
		case queue.ModeOrdered:
			s.Mode = queue.ModeOrdered
		case queue.ModeUnordered:
			s.Mode = queue.ModeUnordered
		default:
			return fmt.Errorf("%w: unknown mode %q", ErrBadArguments, value)
		}
	case "after_processing":
		switch queue.Action(strings.ToLower(value)) {
		case queue.ActionKeep:
			s.AfterProcessing = queue.ActionKeep
		case queue.ActionDelete:
			s.AfterProcessing = queue.ActionDelete
		default:
			return fmt.Errorf("%w: unknown after_processing action %q", ErrBadArguments, value)
		}
	case "keeper_path":
		s.KeeperPath = value
	case "last_processed_path":
		s.LastProcessedPath = value
	case "loading_retries":
		s.LoadingRetries, err = parseU64()
	case "processing_threads_num":
		s.ProcessingThreads, err = parseU64()
	case "tracked_file_ttl_sec":
		s.TrackedFileTTLSec, err = parseU64()
	case "tracked_files_limit":
		s.TrackedFilesLimit, err = parseU64()
	case "buckets":
		s.Buckets, err = parseU64()
	case "cleanup_interval_min_ms":
		s.CleanupIntervalMinMs, err = parseU64()
	case "cleanup_interval_max_ms":
		s.CleanupIntervalMaxMs, err = parseU64()
	case "polling_min_timeout_ms":
		s.PollingMinTimeoutMs, err = parseU64()
	case "polling_max_timeout_ms":
		s.PollingMaxTimeoutMs, err = parseU64()
	case "polling_backoff_ms":
		s.PollingBackoffMs, err = parseU64()
	case "unregister_after_ms":
		s.UnregisterAfterMs, err = parseU64()
	case "max_processed_files_before_commit":
		s.MaxProcessedFilesBeforeCommit, err = parseU64()
	case "max_processed_rows_before_commit":
		s.MaxProcessedRowsBeforeCommit, err = parseU64()
	case "max_processed_bytes_before_commit":
		s.MaxProcessedBytesBeforeCommit, err = parseU64()
	case "max_processing_time_sec_before_commit":
		s.MaxProcessingTimeSecBeforeCommit, err = parseU64()
	case "list_objects_batch_size":
		s.ListObjectsBatchSize, err = parseU64()
	case "enable_hash_ring_filtering":
		s.EnableHashRingFiltering, err = parseBool()
	case "enable_logging_to_queue_log":
		s.EnableLoggingToQueueLog, err = parseBool()
	default:
		return fmt.Errorf("%w: unknown setting %s", ErrBadArguments, name)
	}
	return err
}

// defaultValue returns the string form of a setting's default, used when an
// ALTER resets it.
func defaultValue(name string) (string, error) {
	d := DefaultSettings()
	switch name {
	case "after_processing":
		return string(d.AfterProcessing), nil
	case "loading_retries":
		return strconv.FormatUint(d.LoadingRetries, 10), nil
	case "processing_threads_num":
		return strconv.FormatUint(d.ProcessingThreads, 10), nil
	case "tracked_file_ttl_sec":
		return strconv.FormatUint(d.TrackedFileTTLSec, 10), nil
	case "tracked_files_limit":
		return strconv.FormatUint(d.TrackedFilesLimit, 10), nil
	case "buckets":
		return strconv.FormatUint(d.Buckets, 10), nil
	case "polling_min_timeout_ms":
		return strconv.FormatUint(d.PollingMinTimeoutMs, 10), nil
	case "polling_max_timeout_ms":
		return strconv.FormatUint(d.PollingMaxTimeoutMs, 10), nil
	case "polling_backoff_ms":
		return strconv.FormatUint(d.PollingBackoffMs, 10), nil
	case "max_processed_files_before_commit":
		return strconv.FormatUint(d.MaxProcessedFilesBeforeCommit, 10), nil
	case "max_processed_rows_before_commit":
		return strconv.FormatUint(d.MaxProcessedRowsBeforeCommit, 10), nil
	case "max_processed_bytes_before_commit":
		return strconv.FormatUint(d.MaxProcessedBytesBeforeCommit, 10), nil
	case "max_processing_time_sec_before_commit":
		return strconv.FormatUint(d.MaxProcessingTimeSecBeforeCommit, 10), nil
	case "list_objects_batch_size":
		return strconv.FormatUint(d.ListObjectsBatchSize, 10), nil
	case "enable_hash_ring_filtering":
		return strconv.FormatBool(d.EnableHashRingFiltering), nil
	default:
		return "", fmt.Errorf("%w: cannot reset setting %s", ErrSupportDisabled, name)
	}
}

// validate checks the create/attach-time invariants.
func (s Settings) validate(isAttach, modeSet bool) error {
	if !isAttach && !modeSet {
		return fmt.Errorf("%w: setting `mode` (unordered/ordered) is not specified, but is required", ErrBadArguments)
	}
	if s.ProcessingThreads == 0 {
		return fmt.Errorf("%w: setting `processing_threads_num` cannot be set to zero", ErrBadArguments)
	}
	if s.CleanupIntervalMinMs > s.CleanupIntervalMaxMs {
		return fmt.Errorf("%w: setting `cleanup_interval_min_ms` (%d) must be less or equal to `cleanup_interval_max_ms` (%d)",
			ErrBadArguments, s.CleanupIntervalMinMs, s.CleanupIntervalMaxMs)
	}
	return nil
}
