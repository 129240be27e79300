package augment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/menta2k/yolo-annotator/internal/utils"
)

// JobLog is the audit record left in annotations/<session>/augmentation_log.json
type JobLog struct {
	JobID     string    `json:"job_id"`
	Timestamp string    `json:"timestamp"`
	Session   string    `json:"session"`
	Variants  []string  `json:"variants"`
	Counts    JobCounts `json:"counts"`
	Errors    []string  `json:"errors"`
	// Digest is the sha256 of the JCS form of the log without this field
	Digest string `json:"digest,omitempty"`
}

type JobCounts struct {
	OriginalImages  int `json:"original_images"`
	TotalPairs      int `json:"total_pairs"`
	CreatedVariants int `json:"created_variants"`
	Errors          int `json:"errors"`
}

func newJobLog(res Results) JobLog {
	list := res.Errors
	if list == nil {
		list = []string{}
	}
	return JobLog{
		JobID:     res.JobID,
		Timestamp: res.FinishedAt.Format(time.RFC3339),
		Session:   res.Session,
		Variants:  res.Variants,
		Counts: JobCounts{
			OriginalImages:  res.Originals,
			TotalPairs:      res.Total,
			CreatedVariants: res.Created,
			Errors:          len(list),
		},
		Errors: list,
	}
}

// ComputeDigest returns the canonical digest of the log with its Digest field cleared
func (l JobLog) ComputeDigest() (string, error) {
	l.Digest = ""
	raw, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize job log: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ReadJobLog loads a job log written by a previous run
func ReadJobLog(path string) (JobLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobLog{}, err
	}
	var l JobLog
	if err := json.Unmarshal(data, &l); err != nil {
		return JobLog{}, fmt.Errorf("parse job log: %w", err)
	}
	return l, nil
}

func writeJobLog(path string, res Results) (string, error) {
	l := newJobLog(res)
	digest, err := l.ComputeDigest()
	if err != nil {
		return "", err
	}
	l.Digest = digest
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", err
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return digest, nil
}
