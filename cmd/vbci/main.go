// Copyright 2025 The go-vbci Authors
// This file is part of the go-vbci library.
//
// The go-vbci library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-vbci library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-vbci library. If not, see <http://www.gnu.org/licenses/>.

// vbci is the command-line interface for running vbci bytecode programs.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/probeum/go-vbci/core/vm"
	"github.com/probeum/go-vbci/log"
)

const clientIdentifier = "vbci"

var (
	app = cli.NewApp()

	logLevelFlag = cli.StringFlag{
		Name:  "log_level",
		Usage: "Set log level to one of Trace, Debug, Info, Warning, Output, Error, None",
		Value: "Warning",
	}
	workersFlag = cli.IntFlag{
		Name:  "workers",
		Usage: "Number of scheduler worker threads (0 = number of CPUs)",
	}
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

func init() {
	app.Name = clientIdentifier
	app.Usage = "the vbci bytecode interpreter"
	app.ArgsUsage = "<path> [args...]"
	app.Action = run
	app.Flags = []cli.Flag{
		logLevelFlag,
		workersFlag,
		configFileFlag,
	}
	app.Commands = []cli.Command{
		dumpConfigCommand,
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func run(ctx *cli.Context) error {
	cfg := loadConfig(ctx)

	lvl, err := log.LvlFromString(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))

	if ctx.NArg() < 1 {
		return fmt.Errorf("%s: no bytecode file given", clientIdentifier)
	}

	path := ctx.Args().First()

	prog, err := vm.LoadFile(path, vm.DefaultHostSymbols())
	if err != nil {
		// Malformed bytecode never enters the interpreter.
		os.Exit(-1)
	}

	prog.SetArgv(ctx.Args())

	machine := vm.New(prog, cfg.Workers)
	os.Exit(machine.Run())
	return nil
}
