package executor

import (
	"bufio"
	"bytes"
	"clipqueue/internal/domain/entity"
	"clipqueue/internal/domain/usecase"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

const (
	stderrTailBytes = 4096
	maxLineBytes    = 1024 * 1024
)

// CommandError is a pipeline run that exited unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("pipeline command %s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandExecutor runs the clip generation pipeline as a child process. The
// job parameters are written to stdin as JSON; stdout lines of the form
// "PROGRESS <percent> <message>" and "RESULT <json>" drive the callback and
// the result payload. Other output is passed through to the log.
type CommandExecutor struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	OnLine func(line string)
}

func NewCommandExecutor(commandLine, dir string) (*CommandExecutor, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("executor command is empty")
	}
	return &CommandExecutor{
		Name: fields[0],
		Args: fields[1:],
		Dir:  dir,
	}, nil
}

func (e *CommandExecutor) Process(ctx context.Context, params entity.JobParameters, progress usecase.ProgressFunc) (json.RawMessage, error) {
	input, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Name, e.Args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Name, err)
	}

	result, scanErr := e.readOutput(stdout, progress)
	if scanErr != nil {
		// Wait blocks until the child exits, which it cannot do while
		// stuck writing to a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &CommandError{
			Command:  e.Name,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      waitErr,
		}
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read pipeline output: %w", scanErr)
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	return result, nil
}

func (e *CommandExecutor) readOutput(r io.Reader, progress usecase.ProgressFunc) (json.RawMessage, error) {
	var (
		result    json.RawMessage
		resultErr error
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "PROGRESS "):
			percent, message, ok := parseProgress(strings.TrimPrefix(line, "PROGRESS "))
			if !ok {
				log.Printf("executor: malformed progress line %q", line)
				continue
			}
			if progress != nil {
				progress(percent, message)
			}
		case strings.HasPrefix(line, "RESULT "):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "RESULT "))
			// keep reading so the child never blocks on a full pipe
			if !json.Valid([]byte(payload)) {
				resultErr = fmt.Errorf("result is not valid JSON: %q", payload)
				continue
			}
			result = json.RawMessage(payload)
		case line != "":
			if e.OnLine != nil {
				e.OnLine(line)
			} else {
				log.Printf("executor: %s", line)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return result, resultErr
}

func parseProgress(s string) (int, string, bool) {
	head, message, _ := strings.Cut(strings.TrimSpace(s), " ")
	percent, err := strconv.Atoi(strings.TrimSuffix(head, "%"))
	if err != nil {
		return 0, "", false
	}
	return entity.ClampProgress(percent), strings.TrimSpace(message), true
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
