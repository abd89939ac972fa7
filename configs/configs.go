/*
Package configs implements the MatMind configuration files.

This file contains structs and functions to manipulate the run and
deployment configuration JSONs shared by the launcher and the drones.
*/
package configs

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
)

// Partition schemes understood by the partitioner. The stride parameter
// of the launcher was never documented, so both candidate formulas are
// kept selectable rather than hardcoding one.
const (
	SchemeCyclic      = "cyclic"      // owner = row mod nrProc
	SchemeBlockCyclic = "blockcyclic" // owner = (row / stride) mod nrProc
)

// ConfigError reports an invalid configuration value. It is returned by
// Validate and by the partitioner before any communication takes place.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// MachineConfig describes a machine we intend to deploy a drone on.
// We need these to connect to it over SSH.
type MachineConfig struct {
	Address  string
	Port     string
	Username string
	Password string
}

// RankConfig is the rank list as seen by every drone. PIDs are assigned
// contiguously from 0 by the launcher.
type RankConfig struct {
	Address string
	PID     uint8
}

// RunConfig is the struct for runConf.json. The launcher writes it once
// and copies it to every machine; each drone discovers its own PID by
// matching its address against Ranks.
type RunConfig struct {
	NrProc         int          // number of cooperating processes
	Stride         int          // row grouping factor for the partitioner
	Scheme         string       // one of the Scheme* constants
	MatrixA        string       // path to the left-hand matrix file
	MatrixB        string       // path to the right-hand matrix file
	Output         string       // where the root writes the product, "" to skip
	ReplicatedLoad bool         // every rank loads the inputs itself instead of root distributing
	Workers        int          // goroutines used by the kernel, 0 or 1 means serial
	Port           int          // base port for the transport
	GoVec          string       // GoVector log name prefix, "" disables message logging
	IsLauncher     bool         // true only in the config of the machine deploying the others
	Ranks          []RankConfig // rank list, one entry per drone
	Machines       []MachineConfig
}

// Validate checks the parameters the launcher passes in before the core
// is allowed to open any connections.
func (c *RunConfig) Validate() error {
	if c.NrProc <= 0 {
		return &ConfigError{Field: "NrProc", Reason: fmt.Sprintf("must be positive, got %d", c.NrProc)}
	}
	if c.NrProc > 255 {
		return &ConfigError{Field: "NrProc", Reason: fmt.Sprintf("at most 255 ranks supported, got %d", c.NrProc)}
	}
	if c.Stride <= 0 {
		return &ConfigError{Field: "Stride", Reason: fmt.Sprintf("must be positive, got %d", c.Stride)}
	}
	if c.Workers < 0 {
		return &ConfigError{Field: "Workers", Reason: fmt.Sprintf("cannot be negative, got %d", c.Workers)}
	}
	switch c.Scheme {
	case SchemeCyclic, SchemeBlockCyclic:
	case "":
		c.Scheme = SchemeCyclic
	default:
		return &ConfigError{Field: "Scheme", Reason: "unknown scheme " + c.Scheme}
	}
	return nil
}

// ReadRunConfig reads the run configuration from the given file
func ReadRunConfig(filename string) (RunConfig, error) {
	c := RunConfig{}
	cfFile, err := ioutil.ReadFile(filename)
	if err != nil {
		//fail to read config
		return c, err
	}
	err = json.Unmarshal(cfFile, &c)
	if err != nil {
		//unable to decode the config
		return c, err
	}

	return c, nil
}

// WriteRunConfig writes the run configuration. Typically the launcher has
// its config prepared beforehand; this func is to write configs for the
// deployed drones.
func WriteRunConfig(filename string, c RunConfig) error {
	cfArr, err := json.Marshal(c)
	if err != nil {
		//failed to encode the config
		return err
	}
	err = ioutil.WriteFile(filename, cfArr, 0644)
	return err
}

// PIDForAddress finds the PID assigned to the given address in the rank
// list. Returns false if the address is not part of the run.
func (c *RunConfig) PIDForAddress(addr string) (uint8, bool) {
	for _, r := range c.Ranks {
		if r.Address == addr {
			return r.PID, true
		}
	}
	return 0, false
}
