package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/duocapture/internal/capture"
)

const (
	ffmpegStopTimeout = 5 * time.Second
	minRecordingSize  = 1024
)

// LevelTrace is below debug; ffmpeg's own output is logged at this level
const LevelTrace = slog.LevelDebug - 4

// FFmpegSink records the attached camera with one ffmpeg process per recording
type FFmpegSink struct {
	v4l2  *V4L2
	codec string

	mu      sync.Mutex
	session capture.Session
	jobs    map[capture.Ticket]*ffmpegJob
}

type ffmpegJob struct {
	ticket      capture.Ticket
	destination string
	cmd         *exec.Cmd
	notify      func(capture.SinkEvent)
	once        sync.Once

	stderrBuf strings.Builder
	bufMu     sync.Mutex

	exited  chan struct{}
	waitErr error

	mu       sync.Mutex
	stopping bool
}

// NewFFmpegSink creates a sink that encodes with codec (libx264 when empty)
func NewFFmpegSink(v *V4L2, codec string) *FFmpegSink {
	if codec == "" {
		codec = "libx264"
	}
	return &FFmpegSink{
		v4l2:  v,
		codec: codec,
		jobs:  make(map[capture.Ticket]*ffmpegJob),
	}
}

// Attach binds the sink to the capture session
func (s *FFmpegSink) Attach(session capture.Session) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	return nil
}

// BeginWrite starts ffmpeg on the session's current input
func (s *FFmpegSink) BeginWrite(destination string, notify func(capture.SinkEvent)) (capture.Ticket, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return "", fmt.Errorf("sink is not attached to a session")
	}
	input, ok := session.Input()
	if !ok {
		return "", fmt.Errorf("no camera input attached")
	}
	dev := input.Device()

	fps, _ := s.v4l2.FrameRate(dev)
	args := buildFFmpegArgs(dev.Path, s.v4l2.InputFormat(dev), fps, s.codec, destination)

	// Remove existing output file
	os.Remove(destination)

	slog.Info("Starting FFmpeg", "command", "ffmpeg "+strings.Join(args, " "))
	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	job := &ffmpegJob{
		ticket:      capture.Ticket(uuid.New().String()),
		destination: destination,
		cmd:         cmd,
		notify:      notify,
		exited:      make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[job.ticket] = job
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		job.readOutput(stdout, nil, "stdout")
	}()
	go func() {
		defer readers.Done()
		job.readOutput(stderr, &job.stderrBuf, "stderr")
	}()
	go func() {
		readers.Wait()
		job.waitErr = cmd.Wait()
		close(job.exited)
		s.handleExit(job)
	}()

	return job.ticket, nil
}

// Finalize interrupts ffmpeg so it writes the container trailer
func (s *FFmpegSink) Finalize(t capture.Ticket) {
	s.mu.Lock()
	job, ok := s.jobs[t]
	s.mu.Unlock()
	if !ok {
		slog.Debug("Finalize for unknown ticket", "ticket", t)
		return
	}

	job.mu.Lock()
	if job.stopping {
		job.mu.Unlock()
		return
	}
	job.stopping = true
	job.mu.Unlock()

	go job.stop()
}

// handleExit runs once ffmpeg has exited, whether stopped or crashed
func (s *FFmpegSink) handleExit(job *ffmpegJob) {
	s.mu.Lock()
	delete(s.jobs, job.ticket)
	s.mu.Unlock()

	job.mu.Lock()
	stopping := job.stopping
	job.mu.Unlock()

	if !stopping {
		job.bufMu.Lock()
		stderr := job.stderrBuf.String()
		job.bufMu.Unlock()
		slog.Debug("FFmpeg stderr", "output", stderr)
		job.finish(fmt.Errorf("FFmpeg exited before stop: %v", job.waitErr))
		return
	}

	if err := interpretExit(job.waitErr); err != nil {
		job.finish(err)
		return
	}
	job.finish(validateOutputFile(job.destination))
}

func (j *ffmpegJob) stop() {
	if j.cmd.Process != nil {
		slog.Debug("Sending SIGINT to FFmpeg process")
		if err := j.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", err)
			j.cmd.Process.Kill()
		}
	}

	select {
	case <-j.exited:
	case <-time.After(ffmpegStopTimeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		if j.cmd.Process != nil {
			j.cmd.Process.Kill()
		}
	}
}

func (j *ffmpegJob) finish(err error) {
	j.once.Do(func() {
		ev := capture.SinkEvent{Ticket: j.ticket, Err: err}
		if err == nil {
			ev.Path = j.destination
		}
		j.notify(ev)
	})
}

// readOutput reads from a pipe and optionally buffers output
func (j *ffmpegJob) readOutput(pipe io.ReadCloser, buffer *strings.Builder, label string) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if buffer != nil {
			j.bufMu.Lock()
			buffer.WriteString(line + "\n")
			j.bufMu.Unlock()
		}
		slog.Log(context.Background(), LevelTrace, "FFmpeg output", "stream", label, "line", line)
	}
}

// buildFFmpegArgs constructs the ffmpeg arguments for one v4l2 recording
func buildFFmpegArgs(devicePath, inputFormat string, fps float64, codec, destination string) []string {
	args := []string{"-hide_banner", "-f", "v4l2"}
	if inputFormat != "" {
		args = append(args, "-input_format", inputFormat)
	}
	if fps > 0 {
		args = append(args, "-framerate", strconv.FormatFloat(fps, 'f', -1, 64))
	}
	args = append(args,
		"-i", devicePath,
		"-c:v", codec,
		"-y", // Overwrite output
		destination,
	)
	return args
}

// interpretExit treats interrupt-driven exits as success
func interpretExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit code 255 means ffmpeg was interrupted and finalized the file
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				slog.Debug("FFmpeg exited due to signal", "state", state)
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg process failed: %w", err)
}

// validateOutputFile rejects missing or truncated recordings
func validateOutputFile(path string) error {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("recording file not found: %s", path)
	}
	if fileInfo.Size() < minRecordingSize {
		return fmt.Errorf("recording failed: file too small (%d bytes)", fileInfo.Size())
	}
	slog.Debug("Output file validated", "path", path, "size", fileInfo.Size())
	return nil
}
