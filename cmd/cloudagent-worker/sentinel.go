package main

import "github.com/cloudagent-dev/cloudagent/pkg/sentinel"

// runSentinel starts the sentinel supervisor for the worker.
func runSentinel() {
	sentinel.Run()
}
