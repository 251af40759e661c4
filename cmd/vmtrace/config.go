package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	vmtrace "github.com/vulcanize/go-vmtrace"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type vmtraceConfig struct {
	RPC   string
	Trace vmtrace.Config
}

func defaultConfig() vmtraceConfig {
	return vmtraceConfig{
		RPC:   "http://localhost:8545",
		Trace: vmtrace.DefaultConfig,
	}
}

func loadConfig(file string, cfg *vmtraceConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the config file, if any, and applies the command line flags on top
func makeConfig(ctx *cli.Context) (vmtraceConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(rpcFlag.Name) {
		cfg.RPC = ctx.String(rpcFlag.Name)
	}
	if ctx.IsSet(forkFlag.Name) {
		cfg.Trace.Rules.Fork = ctx.String(forkFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.Trace.Rules.ChainID = ctx.Uint64(chainIDFlag.Name)
	}
	if ctx.IsSet(bufferFlag.Name) {
		cfg.Trace.BufferSize = ctx.Int(bufferFlag.Name)
	}
	if ctx.IsSet(pendingRetriesFlag.Name) {
		cfg.Trace.PendingRetries = ctx.Int(pendingRetriesFlag.Name)
	}
	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(out)
	return err
}
