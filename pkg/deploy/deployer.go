package deploy

import (
	"bufio"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/instancer/internal/telemetry"
	"github.com/wisbric/instancer/pkg/catalog"
)

// Action is the verb passed to a deployer script.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionCleanup Action = "cleanup"
)

// detailsPrefix marks stdout lines the script wants surfaced to the user.
const detailsPrefix = "$ "

// Deployer invokes an operator-supplied executable to act on an instance.
// It is pure subprocess I/O: it never touches the store or the expiry
// queue. Scripts are trusted and given no deadline; the orchestrator waits
// for them to terminate on their own.
type Deployer struct {
	logger *slog.Logger
}

// NewDeployer creates a Deployer.
func NewDeployer(logger *slog.Logger) *Deployer {
	return &Deployer{logger: logger}
}

// Run executes `<deployer_path> <action> <challenge_id> <user_id>` and
// returns the accumulated details: every stdout line starting with "$ ",
// prefix stripped, joined by newlines. A non-zero exit status or a spawn
// failure is an error.
func (d *Deployer) Run(ch *catalog.Challenge, userID string, action Action) (string, error) {
	logger := d.logger.With("challenge", ch.ID, "user", userID, "action", string(action))
	logger.Debug("calling deployer script", "path", ch.DeployerPath)

	cmd := exec.Command(ch.DeployerPath, string(action), ch.ID, userID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("opening stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		telemetry.DeploymentsTotal.WithLabelValues(string(action), "error").Inc()
		return "", fmt.Errorf("spawning deployer script: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Warn("deployer stderr", "line", scanner.Text())
		}
	}()

	var details strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, detailsPrefix); ok {
			if details.Len() != 0 {
				details.WriteByte('\n')
			}
			details.WriteString(rest)
			continue
		}
		logger.Debug("deployer stdout", "line", line)
	}
	readErr := scanner.Err()

	wg.Wait()
	waitErr := cmd.Wait()
	telemetry.DeploymentDuration.WithLabelValues(string(action)).Observe(time.Since(started).Seconds())

	if readErr != nil {
		telemetry.DeploymentsTotal.WithLabelValues(string(action), "error").Inc()
		return "", fmt.Errorf("reading deployer stdout: %w", readErr)
	}
	if waitErr != nil {
		telemetry.DeploymentsTotal.WithLabelValues(string(action), "error").Inc()
		return "", fmt.Errorf("deployer script failed: %w", waitErr)
	}

	telemetry.DeploymentsTotal.WithLabelValues(string(action), "ok").Inc()
	return details.String(), nil
}
