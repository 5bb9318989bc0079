package matcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const mecabEOS = "EOS"

// mecabProcess keeps one analyzer process alive and feeds it a line at a time.
// Output is one "surface\tfeatures" line per morpheme terminated by EOS.
// A parse that outlives timeout kills the process; every later parse fails
// with the same error.
type mecabProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	timeout time.Duration
	dead    error
}

type parseResult struct {
	morphs []string
	err    error
}

func startMecab(path, dicDir string, timeout time.Duration) (*mecabProcess, error) {
	args := []string{}
	if dicDir != "" {
		args = append(args, "-d", dicDir)
	}
	// #nosec G204 -- analyzer path comes from operator configuration.
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mecab stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mecab stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mecab: %w", err)
	}
	return &mecabProcess{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		timeout: timeout,
	}, nil
}

// Parse implements analyzer.
func (p *mecabProcess) Parse(text string) ([]string, error) {
	if p.dead != nil {
		return nil, p.dead
	}
	line := strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return nil, fmt.Errorf("write mecab input: %w", err)
	}
	if p.timeout <= 0 {
		return readMorphemes(p.stdout)
	}

	done := make(chan parseResult, 1)
	go func() {
		morphs, err := readMorphemes(p.stdout)
		done <- parseResult{morphs: morphs, err: err}
	}()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.morphs, res.err
	case <-timer.C:
		p.dead = fmt.Errorf("mecab parse timed out after %s", p.timeout)
		if err := p.cmd.Process.Kill(); err != nil {
			return nil, fmt.Errorf("%w (kill: %v)", p.dead, err)
		}
		return nil, p.dead
	}
}

// Close implements analyzer.
func (p *mecabProcess) Close() error {
	closeErr := p.stdin.Close()
	waitErr := p.cmd.Wait()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return fmt.Errorf("wait mecab: %w", waitErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close mecab stdin: %w", closeErr)
	}
	return nil
}

func readMorphemes(r *bufio.Reader) ([]string, error) {
	var morphs []string
	for {
		raw, err := r.ReadString('\n')
		line := strings.TrimRight(raw, "\r\n")
		if line == mecabEOS {
			return morphs, nil
		}
		if line != "" {
			surface, _, _ := strings.Cut(line, "\t")
			if surface = strings.TrimSpace(surface); surface != "" {
				morphs = append(morphs, surface)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read mecab output: %w", err)
		}
	}
}
