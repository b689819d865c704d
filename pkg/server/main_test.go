package server

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestMain replaces the package loggers before any server goroutine can
// read them. Set LANCHAT_TEST_LOGS=1 to see relay logs while debugging a
// failing journey test.
func TestMain(m *testing.M) {
	var out io.Writer = io.Discard
	if os.Getenv("LANCHAT_TEST_LOGS") != "" {
		out = os.Stderr
	}

	errorLog = log.New(out, "ERROR: ", log.LstdFlags)
	debugLog = log.New(out, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(out)

	os.Exit(m.Run())
}
