package capture

import "errors"

var (
	// ErrDeviceUnavailable is returned when the requested camera cannot be opened or attached.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrConfigurationLockFailed is returned when the frame rate could not be locked.
	// The session keeps running at the device's default rate.
	ErrConfigurationLockFailed = errors.New("camera configuration lock failed")
	// ErrAlreadyRecording is returned when a recording job is already active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned when stopping without an active recording job.
	ErrNotRecording = errors.New("not currently recording")
	// ErrCannotSwitchWhileRecording is returned when switching cameras mid-write.
	ErrCannotSwitchWhileRecording = errors.New("cannot switch camera while recording")
	// ErrBusy is returned when a command overlaps a running sequence or recording.
	ErrBusy = errors.New("capture busy")
	// ErrWriteFailed is reported when the output sink fails to write a recording.
	ErrWriteFailed = errors.New("recording write failed")
	// ErrPersist is reported when handing a finished recording to persistence fails.
	ErrPersist = errors.New("recording persistence failed")
	// ErrSessionNotRunning is returned when recording is requested outside the RUNNING state.
	ErrSessionNotRunning = errors.New("capture session is not running")
	// ErrInvalidDuration is returned for non-positive sequence durations.
	ErrInvalidDuration = errors.New("sequence durations must be positive")
	// ErrClosed is returned once the controller has been torn down.
	ErrClosed = errors.New("capture controller is closed")
)
