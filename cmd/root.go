/*
Copyright © 2024 - 2026 the multibootd authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build linux

// Package cmd wires the three entrypoints the multi-call binary exposes
// (update-binary, daemon, bootui) onto the production pkg/ components,
// following the root/subcommand layout cobra encourages.
package cmd

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chenxiaolong/multibootd/pkg/constants"
	"github.com/chenxiaolong/multibootd/pkg/types"
)

// trustKeyHex is the process-embedded ed25519 trust anchor SignedExec
// checks every extracted executable against (spec.md §4.5). A real build
// bakes in its own release key at link time (-ldflags -X); this is a
// placeholder so the binary still links and runs against self-signed test
// fixtures when none is supplied.
var trustKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	cfgFile       string
	cfgDebug      bool
	cfgVerbose    bool
	cfgDataRoot   string
	cfgMediaRoot  string
	cfgSandboxDir string
	cfgTrustKey   string
)

// runtimeOptions mirrors the persistent flags so a YAML config file can
// override them in one shot. Flags and MULTIBOOTD_-prefixed environment
// variables go through viper/mapstructure instead; --config is parsed
// straight off disk since it's the one source that's genuinely a file on
// the device, not an env/flag value viper already has a map for.
type runtimeOptions struct {
	Debug      bool   `yaml:"debug"`
	Verbose    bool   `yaml:"verbose"`
	DataRoot   string `yaml:"data-root"`
	MediaRoot  string `yaml:"media-root"`
	SandboxDir string `yaml:"sandbox-dir"`
	TrustKey   string `yaml:"trust-key"`
}

var rootCmd = &cobra.Command{
	Use:           "multibootd",
	Short:         "Multi-boot manager for Android devices",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file overriding the flags below")
	flags.BoolVar(&cfgDebug, "debug", false, "enable debug logging")
	flags.BoolVar(&cfgVerbose, "verbose", false, "enable info-level logging")
	flags.StringVar(&cfgDataRoot, "data-root", constants.DataRoot, "private state root")
	flags.StringVar(&cfgMediaRoot, "media-root", constants.MediaRoot, "user-visible storage root")
	flags.StringVar(&cfgSandboxDir, "sandbox-dir", "/dev/multiboot-sandbox", "tmpfs mountpoint SignedExec uses to run trusted binaries")
	flags.StringVar(&cfgTrustKey, "trust-key", "", "path to a file holding a hex-encoded ed25519 public key, overriding the embedded one")

	bindPflags(flags)
	cobra.OnInitialize(loadConfigFile)

	rootCmd.AddCommand(updateBinaryCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(bootuiCmd)
}

// loadConfigFile reads --config, if given, and lets it override whatever
// the flags/environment already set on the package vars below it.
func loadConfigFile() {
	if cfgFile == "" {
		return
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "multibootd: reading config %s: %v\n", cfgFile, err)
		return
	}
	opts := runtimeOptions{
		Debug:      cfgDebug,
		Verbose:    cfgVerbose,
		DataRoot:   cfgDataRoot,
		MediaRoot:  cfgMediaRoot,
		SandboxDir: cfgSandboxDir,
		TrustKey:   cfgTrustKey,
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		fmt.Fprintf(os.Stderr, "multibootd: decoding config %s: %v\n", cfgFile, err)
		return
	}
	cfgDebug = opts.Debug
	cfgVerbose = opts.Verbose
	cfgDataRoot = opts.DataRoot
	cfgMediaRoot = opts.MediaRoot
	cfgSandboxDir = opts.SandboxDir
	cfgTrustKey = opts.TrustKey
}

// bindPflags lets MULTIBOOTD_-prefixed environment variables override any
// persistent flag, instead of parsing os.Environ by hand.
func bindPflags(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("multibootd")
	viper.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
}

// Execute runs the root command; main.go's only job is to call this and
// set the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newLogger() *types.LogrusLogger {
	level := "warn"
	switch {
	case cfgDebug:
		level = "debug"
	case cfgVerbose:
		level = "info"
	}
	return types.NewLogger(level)
}

// buildConfig assembles the production types.Config every subcommand
// shares, wiring the real FS/Mounter/Runner/Syscall implementations
// instead of the in-memory test doubles.
func buildConfig() types.Config {
	return types.Config{
		Logger:    newLogger(),
		Fs:        types.NewOSFS(),
		Mounter:   types.NewMounter(),
		Runner:    types.NewRunner(),
		Syscall:   types.NewSyscall(),
		DataRoot:  cfgDataRoot,
		MediaRoot: cfgMediaRoot,
	}
}

// resolveTrustKey decodes the embedded trust anchor, or reads and decodes
// an override file when --trust-key is set.
func resolveTrustKey() (ed25519.PublicKey, error) {
	raw := trustKeyHex
	if cfgTrustKey != "" {
		data, err := os.ReadFile(cfgTrustKey)
		if err != nil {
			return nil, fmt.Errorf("reading trust key file: %w", err)
		}
		raw = string(data)
	}
	raw = trimHexWhitespace(raw)
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding trust key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust key: want %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

func trimHexWhitespace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
