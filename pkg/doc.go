// Package pkg holds the libraries of faultline and the CLI that drives them.
//
// The checkpoint path is storage -> syncer -> checkpoint; chaos injects
// failures independently of it, and trial ties both together in a lock-step
// soak loop.
package pkg
