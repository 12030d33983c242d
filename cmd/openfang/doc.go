// Command openfang runs the agent execution orchestrator.
//
// Usage:
//
//	openfang serve                       start the orchestrator
//	openfang serve --config config.yaml  start with a config file
//	openfang version                     print version information
//	openfang health                      probe a running orchestrator
package main
