package farm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/doubletwisted/comfyfarm/idgen"
	"github.com/doubletwisted/comfyfarm/plan"
)

// ErrNoJobID means the submission command finished without printing a job
// identifier, so the submission result is unknown.
var ErrNoJobID = errors.New("submission output contains no JobID")

// ErrCommandNotFound means no Deadline-style submission command could be
// located on this host.
var ErrCommandNotFound = errors.New("deadline command not found")

// pluginName is the render-farm plugin the job is submitted under.
const pluginName = "ComfyUI"

var submitDirName = idgen.Timestamped(idgen.NanoID(6))

// CommandTransport submits jobs through an external deadlinecommand-style
// binary. For each job it writes a job info file, a plugin info file and the
// workflow JSON into a fresh submission directory, runs the command with the
// three paths as arguments, and parses the assigned job id from stdout.
type CommandTransport struct {
	// Command is the path to the submission binary. Required.
	Command string

	// Dir is where submission directories are created. Empty means the
	// system temp directory.
	Dir string

	// KeepFiles leaves the submission directory behind for inspection
	// instead of removing it after the command returns.
	KeepFiles bool

	Logger *slog.Logger
}

var _ Transport = (*CommandTransport)(nil)

// FindCommand locates the submission binary: $DEADLINE_PATH first, then the
// platform's default install location, then $PATH.
func FindCommand() (string, error) {
	name := "deadlinecommand"
	if runtime.GOOS == "windows" {
		name = "deadlinecommand.exe"
	}

	if dir := os.Getenv("DEADLINE_PATH"); dir != "" {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	var defaultDir string
	switch runtime.GOOS {
	case "windows":
		defaultDir = `C:\Program Files\Thinkbox\Deadline10\bin`
	case "darwin":
		defaultDir = "/Applications/Thinkbox/Deadline10/bin"
	default:
		defaultDir = "/opt/Thinkbox/Deadline10/bin"
	}
	p := filepath.Join(defaultDir, name)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", ErrCommandNotFound
}

// Submit writes the submission files and runs the command. The workflow sent
// to the farm is the first task's graph; per-frame seed variation is carried
// as the SeedMode plugin setting and re-applied on the worker.
func (t *CommandTransport) Submit(ctx context.Context, jd *plan.JobDescriptor) (string, error) {
	if t.Command == "" {
		return "", fmt.Errorf("submit: %w", ErrCommandNotFound)
	}
	if len(jd.Tasks) == 0 {
		return "", fmt.Errorf("submit: %w: job has no tasks", plan.ErrInvalidParameter)
	}

	base := t.Dir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "comfyfarm_submit_"+submitDirName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("submit: create submission dir: %w", err)
	}
	if !t.KeepFiles {
		defer os.RemoveAll(dir)
	}

	jobInfo := filepath.Join(dir, "job_info.txt")
	pluginInfo := filepath.Join(dir, "plugin_info.txt")
	workflowPath := filepath.Join(dir, "workflow.json")

	if err := os.WriteFile(jobInfo, jobInfoFile(jd), 0o644); err != nil {
		return "", fmt.Errorf("submit: write job info: %w", err)
	}
	if err := os.WriteFile(pluginInfo, pluginInfoFile(jd), 0o644); err != nil {
		return "", fmt.Errorf("submit: write plugin info: %w", err)
	}
	wf, err := jd.Tasks[0].Graph.Encode()
	if err != nil {
		return "", fmt.Errorf("submit: encode workflow: %w", err)
	}
	if err := os.WriteFile(workflowPath, wf, 0o644); err != nil {
		return "", fmt.Errorf("submit: write workflow: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.Command, jobInfo, pluginInfo, workflowPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("submit: run %s: %w: %s",
			filepath.Base(t.Command), err, strings.TrimSpace(string(out)))
	}

	jobID, err := parseJobID(out)
	if err != nil {
		return "", fmt.Errorf("submit: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if t.Logger != nil {
		t.Logger.Info("job submitted to farm",
			"job_id", jobID,
			"name", jd.Name,
			"frames", jd.BatchCount,
			"chunk_size", jd.ChunkSize)
	}
	return jobID, nil
}

// jobInfoFile renders the farm-side job description. A batch job spans one
// frame per item and lets the farm group frames into tasks of ChunkSize; a
// single-item job is a plain one-frame job.
func jobInfoFile(jd *plan.JobDescriptor) []byte {
	var b bytes.Buffer
	kv := func(k, v string) { fmt.Fprintf(&b, "%s=%s\n", k, v) }

	kv("Plugin", pluginName)
	kv("Name", jd.Name)
	kv("Comment", jd.Comment)
	kv("Department", jd.Department)
	kv("Pool", jd.Pool)
	kv("Group", jd.Group)
	kv("Priority", fmt.Sprintf("%d", jd.Priority))
	if jd.BatchCount > 1 {
		kv("Frames", fmt.Sprintf("0-%d", jd.BatchCount-1))
		kv("ChunkSize", fmt.Sprintf("%d", jd.ChunkSize))
	} else {
		kv("Frames", "0")
		kv("ChunkSize", "1")
	}
	if jd.OutputDirectory != "" {
		kv("OutputDirectory0", jd.OutputDirectory)
	}
	return b.Bytes()
}

// pluginInfoFile renders the plugin settings. BatchMode is only written for
// multi-item jobs; the plugin defaults it off.
func pluginInfoFile(jd *plan.JobDescriptor) []byte {
	var b bytes.Buffer
	kv := func(k, v string) { fmt.Fprintf(&b, "%s=%s\n", k, v) }

	kv("JobOutputDirectory", jd.OutputDirectory)
	kv("DefaultCudaDeviceZero", "True")
	if jd.BatchCount > 1 {
		kv("BatchMode", "True")
	}
	if jd.VarySeeds {
		kv("SeedMode", "change")
	} else {
		kv("SeedMode", "fixed")
	}
	return b.Bytes()
}

// parseJobID scans command output for the "JobID=..." line.
func parseJobID(out []byte) (string, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if id, ok := strings.CutPrefix(line, "JobID="); ok && id != "" {
			return id, nil
		}
	}
	return "", ErrNoJobID
}
