package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(out.String(), "cif-router "+version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRouterFlagsRegistered(t *testing.T) {
	for _, name := range []string{
		"listen", "store", "store-address", "hunter-threads", "gatherer-threads",
		"hunter-token", "pidfile", "config", "runtime-path", "log-level", "httpd-listen",
	} {
		if rootCmd.Flags().Lookup(name) == nil {
			t.Fatalf("flag --%s not registered", name)
		}
	}
}

func TestFlagsMarkSet(t *testing.T) {
	f := rootCmd.Flags()
	if err := f.Parse([]string{"--hunter-threads", "4", "--store", "sqlite"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	set := map[string]bool{}
	f.Visit(func(fl *pflag.Flag) { set[fl.Name] = true })
	if !set["hunter-threads"] || !set["store"] || set["listen"] {
		t.Fatalf("unexpected set flags %v", set)
	}
	if flags.HunterThreads != 4 || flags.Store != "sqlite" {
		t.Fatalf("flag values not bound: %+v", flags)
	}
}
