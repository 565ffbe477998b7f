// Package identity generates coordinator identifiers.
//
// Runner ids are deterministic: the same (hostname, project_dir,
// executor_type) tuple always derives the same id, so re-registration
// upserts instead of duplicating. Session and run ids are random.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	runnerPrefix  = "lnch_"
	sessionPrefix = "ses_"
	runPrefix     = "run_"

	idHexLen = 12
)

// RunnerID derives the deterministic runner id for an identity tuple.
func RunnerID(hostname, projectDir, executorType string) string {
	sum := sha256.Sum256([]byte(hostname + ":" + projectDir + ":" + executorType))
	return runnerPrefix + hex.EncodeToString(sum[:])[:idHexLen]
}

// NewSessionID generates a random session id of the form "ses_<12 hex>".
func NewSessionID() string {
	return sessionPrefix + randomHex()
}

// NewRunID generates a random run id of the form "run_<12 hex>".
func NewRunID() string {
	return runPrefix + randomHex()
}

func randomHex() string {
	buf := make([]byte, idHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process has bigger problems.
		panic(fmt.Sprintf("identity: rand.Read failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
