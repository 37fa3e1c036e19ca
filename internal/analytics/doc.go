// Package analytics derives pipeline health reports from the workflow
// store: state distribution, publish success rate, cycle time, and the
// per-stage averages that expose bottlenecks.
package analytics
