/*
Package configs implements the MatMind configuration files.

This file contains the unit tests for config validation and the
JSON read/write helpers.
*/
package configs

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() RunConfig {
	return RunConfig{
		NrProc:  3,
		Stride:  2,
		Scheme:  SchemeBlockCyclic,
		MatrixA: "a.mat",
		MatrixB: "b.mat",
		Port:    2000,
		Ranks: []RankConfig{
			{Address: "10.0.0.1", PID: 0},
			{Address: "10.0.0.2", PID: 1},
			{Address: "10.0.0.3", PID: 2},
		},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("[TEST] Expected valid config to pass, got %s", err.Error())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"zero stride", func(c *RunConfig) { c.Stride = 0 }},
		{"negative stride", func(c *RunConfig) { c.Stride = -4 }},
		{"zero procs", func(c *RunConfig) { c.NrProc = 0 }},
		{"negative procs", func(c *RunConfig) { c.NrProc = -1 }},
		{"too many procs", func(c *RunConfig) { c.NrProc = 300 }},
		{"negative workers", func(c *RunConfig) { c.Workers = -2 }},
		{"unknown scheme", func(c *RunConfig) { c.Scheme = "diagonal" }},
	}

	for _, tc := range cases {
		c := validConfig()
		tc.mutate(&c)
		err := c.Validate()
		if err == nil {
			t.Errorf("[TEST] Expected %s to fail validation", tc.name)
			continue
		}
		if _, ok := err.(*ConfigError); !ok {
			t.Errorf("[TEST] Expected ConfigError for %s, got %T", tc.name, err)
		}
	}
}

func TestValidateDefaultsScheme(t *testing.T) {
	c := validConfig()
	c.Scheme = ""
	if err := c.Validate(); err != nil {
		t.Errorf("[TEST] Empty scheme should default, got %s", err.Error())
	}
	if c.Scheme != SchemeCyclic {
		t.Errorf("[TEST] Expected default scheme %s, got %s", SchemeCyclic, c.Scheme)
	}
}

func TestReadWriteRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runConf.json")
	c := validConfig()

	if err := WriteRunConfig(path, c); err != nil {
		t.Fatalf("[TEST] Can't write config: %s", err.Error())
	}

	c2, err := ReadRunConfig(path)
	if err != nil {
		t.Fatalf("[TEST] Can't read config: %s", err.Error())
	}

	if c2.NrProc != c.NrProc || c2.Stride != c.Stride || c2.Scheme != c.Scheme {
		t.Errorf("[TEST] Config roundtrip mismatch: got %+v expected %+v", c2, c)
	}
	if len(c2.Ranks) != len(c.Ranks) {
		t.Errorf("[TEST] Expected %d ranks, got %d", len(c.Ranks), len(c2.Ranks))
	}
}

func TestReadRunConfigMissingFile(t *testing.T) {
	_, err := ReadRunConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Errorf("[TEST] Expected error reading missing config")
	}
	if !os.IsNotExist(err) {
		t.Errorf("[TEST] Expected not-exist error, got %s", err.Error())
	}
}

func TestPIDForAddress(t *testing.T) {
	c := validConfig()

	pid, ok := c.PIDForAddress("10.0.0.2")
	if !ok || pid != 1 {
		t.Errorf("[TEST] Expected PID 1 for 10.0.0.2, got %d (%v)", pid, ok)
	}

	if _, ok := c.PIDForAddress("10.9.9.9"); ok {
		t.Errorf("[TEST] Expected unknown address to not resolve")
	}
}
