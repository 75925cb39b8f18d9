package model

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Status artifact filenames written into a task's working directory.
const (
	StatusFilename        = "status.conduit"
	SubJobStatusPrefix    = "subjob_"
	undefinedStatusMarker = "undefined"
)

// StatusRecord is the parsed content of a status artifact.
type StatusRecord struct {
	State     string
	RT        *int
	JobStatus *int
}

func formatOptional(v *int) string {
	if v == nil {
		return undefinedStatusMarker
	}
	return strconv.Itoa(*v)
}

func parseOptional(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == undefinedStatusMarker || s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("parse status value %q: %w", s, err)
	}
	return &v, nil
}

// FormatStatus renders the three status fields joined by newlines.
func FormatStatus(state string, rt, jobStatus *int) string {
	return strings.Join([]string{state, formatOptional(rt), formatOptional(jobStatus)}, "\n")
}

// WriteStatusFile writes the status artifact of t into its working directory.
// Bulk jobs additionally get a subjob_ artifact with one RT/JOBSTATUS pair per
// bulk index.
func WriteStatusFile(t *Task) error {
	path := filepath.Join(t.WorkingDir, StatusFilename)
	content := FormatStatus(t.State(), t.RT, t.JobStatus)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if t.Kind != KindBulkJob {
		return nil
	}
	return writeSubJobStatusFile(t)
}

func writeSubJobStatusFile(t *Task) error {
	byIndex := make(map[int]SubJob, len(t.SubJobs))
	for _, sj := range t.SubJobs {
		byIndex[sj.Index] = sj
	}

	var lines []string
	for i := t.Bulk.Start; i <= t.Bulk.End; i++ {
		sj := byIndex[i]
		lines = append(lines,
			fmt.Sprintf("RT_%d=%s", i, formatOptional(sj.RT)),
			fmt.Sprintf("JOBSTATUS_%d=%s", i, formatOptional(sj.JobStatus)),
		)
	}

	path := filepath.Join(t.WorkingDir, SubJobStatusPrefix+StatusFilename)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write subjob status file: %w", err)
	}
	return nil
}

// ReadStatusFile parses the status artifact in dir.
func ReadStatusFile(dir string) (StatusRecord, error) {
	f, err := os.Open(filepath.Join(dir, StatusFilename))
	if err != nil {
		return StatusRecord{}, fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()

	var fields []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields = append(fields, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return StatusRecord{}, fmt.Errorf("read status file: %w", err)
	}
	if len(fields) != 3 {
		return StatusRecord{}, fmt.Errorf("status file has %d fields, want 3", len(fields))
	}

	rec := StatusRecord{State: fields[0]}
	if rec.RT, err = parseOptional(fields[1]); err != nil {
		return StatusRecord{}, err
	}
	if rec.JobStatus, err = parseOptional(fields[2]); err != nil {
		return StatusRecord{}, err
	}
	return rec, nil
}
