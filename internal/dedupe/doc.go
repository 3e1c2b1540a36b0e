// Package dedupe tracks short-lived claims on keys so that a one-shot action
// (answering a tool confirmation) runs at most once even when the same
// request arrives twice concurrently.
package dedupe
