// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/openbuildfarm/buildfarm/lib/cmd"
	"github.com/openbuildfarm/buildfarm/lib/dispatcher"
)

var handler = cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"dispatcher": dispatcher.Command,
})

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
