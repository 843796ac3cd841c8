// Copyright (C) The OpenBuildFarm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatcher

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openbuildfarm/buildfarm/lib/cmd"
	"github.com/openbuildfarm/buildfarm/lib/config"
	"github.com/openbuildfarm/buildfarm/lib/service"
)

var Command cmd.Handler = service.Command("dispatcher", newHandler)

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	d := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	go d.Start()
	return d
}
