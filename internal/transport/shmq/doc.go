// Package shmq carries the channel pair over memory-mapped files so that the
// instrumented process and the analysis process can share endpoints without
// a broker. Each endpoint is one file under the configured directory holding
// a single-producer single-consumer ring of length-prefixed records.
//
// The provider is available on unix systems only.
package shmq
